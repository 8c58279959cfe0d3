package callback

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// BrowserEnv names a command that replaces the platform opener, for example
// a headless browser in CI or "echo" to print the authorization URL.
const BrowserEnv = "MCPAUTH_BROWSER"

// OpenBrowser hands the authorization URL to the user's browser and returns
// once the opener has started. Only http and https URLs are accepted.
func OpenBrowser(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("refusing to open %q: not an http(s) URL", rawURL)
	}

	name, args, err := browserCommand(runtime.GOOS, os.Getenv(BrowserEnv), rawURL)
	if err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	// reap the opener; its exit status carries no information
	go func() { _ = cmd.Wait() }()
	return nil
}

// browserCommand returns the program and arguments that open target on goos.
// override, when set, is split on whitespace and wins over the platform default.
func browserCommand(goos, override, target string) (string, []string, error) {
	if fields := strings.Fields(override); len(fields) > 0 {
		return fields[0], append(fields[1:], target), nil
	}

	switch goos {
	case "darwin":
		return "open", []string{target}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	case "linux", "freebsd", "netbsd", "openbsd":
		return "xdg-open", []string{target}, nil
	}
	return "", nil, fmt.Errorf("no browser opener known for %s; set %s", goos, BrowserEnv)
}
