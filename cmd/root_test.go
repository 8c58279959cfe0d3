package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"mcpauth/pkg/oauth"

	"github.com/spf13/cobra"
)

func TestSetVersion(t *testing.T) {
	testVersion := "1.2.3-test"
	SetVersion(testVersion)

	if rootCmd.Version != testVersion {
		t.Errorf("Expected version to be %s, got %s", testVersion, rootCmd.Version)
	}
	if GetVersion() != testVersion {
		t.Errorf("Expected GetVersion to return %s, got %s", testVersion, GetVersion())
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "mcpauth" {
		t.Errorf("Expected Use to be 'mcpauth', got %s", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}

	if rootCmd.Long == "" {
		t.Error("Expected Long description to be set")
	}

	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	expected := []string{"version", "login", "status", "refresh", "logout", "probe", "discover"}

	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}

	for _, name := range expected {
		if !registered[name] {
			t.Errorf("Expected subcommand %q to be registered", name)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	for _, name := range []string{"config-path", "log-level", "log-format", "debug", "quiet"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("Expected persistent flag --%s", name)
		}
	}
	if rootCmd.PersistentFlags().ShorthandLookup("q") == nil {
		t.Error("Expected -q shorthand for --quiet")
	}
}

func TestVersionTemplate(t *testing.T) {
	testCmd := &cobra.Command{
		Use:     "test",
		Version: "1.0.0",
	}
	testCmd.SetVersionTemplate(`{{printf "mcpauth version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetArgs([]string{"--version"})
	if err := testCmd.Execute(); err != nil {
		t.Fatalf("Error executing version command: %v", err)
	}

	if got := buf.String(); got != "mcpauth version 1.0.0\n" {
		t.Errorf("Expected version output 'mcpauth version 1.0.0', got %q", got)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("4.5.6")

	var buf bytes.Buffer
	versionCmd := newVersionCmd()
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	if !strings.Contains(buf.String(), "mcpauth version 4.5.6") {
		t.Errorf("Expected version output, got %q", buf.String())
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "generic error",
			err:      errors.New("boom"),
			expected: ExitCodeError,
		},
		{
			name:     "auth required",
			err:      &AuthRequiredError{Resource: "https://mcp.example.com/mcp"},
			expected: ExitCodeAuthRequired,
		},
		{
			name:     "wrapped auth required",
			err:      fmt.Errorf("probe: %w", &AuthRequiredError{Resource: "https://mcp.example.com/mcp"}),
			expected: ExitCodeAuthRequired,
		},
		{
			name:     "reauthorization required",
			err:      fmt.Errorf("refresh: %w", oauth.ErrReauthorizationRequired),
			expected: ExitCodeAuthRequired,
		},
		{
			name:     "auth failed",
			err:      &AuthFailedError{Resource: "https://mcp.example.com/mcp", Reason: errors.New("access_denied")},
			expected: ExitCodeAuthFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.expected {
				t.Errorf("Expected exit code %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestAuthErrors(t *testing.T) {
	required := &AuthRequiredError{Resource: "https://mcp.example.com/mcp"}
	if !strings.Contains(required.Error(), "mcpauth login https://mcp.example.com/mcp") {
		t.Errorf("Expected login hint in %q", required.Error())
	}

	reason := errors.New("access_denied")
	failed := &AuthFailedError{Resource: "https://mcp.example.com/mcp", Reason: reason}
	if !strings.Contains(failed.Error(), "access_denied") {
		t.Errorf("Expected reason in %q", failed.Error())
	}
	if !errors.Is(failed, reason) {
		t.Error("Expected AuthFailedError to unwrap to its reason")
	}
}

func TestLogoutRequiresTarget(t *testing.T) {
	logoutCmd := newLogoutCmd()
	logoutCmd.SetArgs([]string{})
	logoutCmd.SetOut(&bytes.Buffer{})
	logoutCmd.SetErr(&bytes.Buffer{})

	err := logoutCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "either a server URL or --all") {
		t.Errorf("Expected target error, got %v", err)
	}
}
