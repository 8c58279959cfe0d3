package cmd

import (
	"context"
	"io"
	"time"

	"mcpauth/internal/callback"
	"mcpauth/internal/negotiator"
	"mcpauth/pkg/logging"
	"mcpauth/pkg/oauth"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// loginOptions controls how the browser step of a login is driven.
type loginOptions struct {
	// openBrowser is called with the authorization URL; nil prints it only.
	openBrowser func(url string) error
	timeout     time.Duration
}

func newLoginCmd() *cobra.Command {
	var (
		noBrowser bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login <url>",
		Short: "Authorize access to an MCP server",
		Long: `Authorize access to an OAuth-protected MCP server.

The server's authorization server is discovered, a client is registered
if the server supports dynamic registration, and your browser is opened
at the authorization page. The redirect is received on a local callback
server and the code is exchanged for tokens, which are stored for later
commands.

Examples:
  mcpauth login https://mcp.example.com/mcp
  mcpauth login https://mcp.example.com/mcp --no-browser`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			env, err := newEnvironment(cmd)
			if err != nil {
				return err
			}
			defer closeEnvironment(env, &err)

			opts := loginOptions{openBrowser: callback.OpenBrowser, timeout: timeout}
			if noBrowser {
				opts.openBrowser = nil
			}
			return runLogin(cmd.Context(), cmd.OutOrStdout(), env.negotiator, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", callback.DefaultTimeout, "How long to wait for the authorization to complete")
	return cmd
}

func runLogin(ctx context.Context, out io.Writer, n *negotiator.Negotiator, resourceURL string, opts loginOptions) error {
	result, err := n.AuthenticationHeaders(ctx, resourceURL)
	if err != nil {
		return &AuthFailedError{Resource: resourceURL, Reason: err}
	}
	if !result.ManualFlowRequired() {
		printf(out, "%s Already authenticated to %s\n", text.FgGreen.Sprint("✓"), resourceURL)
		return nil
	}
	flow := result.ManualFlow

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	server, err := callback.NewServer(flow.RedirectURI, flow.State, callback.WithLogger(logging.Logger("Callback")))
	if err != nil {
		n.Cleanup(resourceURL)
		return err
	}
	if err := server.Start(ctx); err != nil {
		n.Cleanup(resourceURL)
		return err
	}
	defer server.Stop()

	printf(out, "Authorizing %s with %s\n", resourceURL, flow.Issuer)
	browserOpened := false
	if opts.openBrowser != nil {
		if err := opts.openBrowser(flow.AuthorizationURL); err != nil {
			logging.Debug("Login", "Could not open browser: %v", err)
		} else {
			browserOpened = true
		}
	}
	if !browserOpened {
		// the URL is printed even in quiet mode: without it the flow cannot be completed
		_, _ = io.WriteString(out, "Open this URL in your browser to continue:\n\n  "+flow.AuthorizationURL+"\n\n")
	}

	var s *spinner.Spinner
	if !quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.Suffix = " Waiting for authorization in the browser..."
		s.Start()
	}
	stopSpinner := func() {
		if s != nil {
			s.Stop()
		}
	}

	cb, err := server.Wait(ctx)
	if err != nil {
		stopSpinner()
		n.Cleanup(resourceURL)
		return &AuthFailedError{Resource: resourceURL, Reason: err}
	}
	if cb.IsError() {
		stopSpinner()
		n.Cleanup(resourceURL)
		return &AuthFailedError{Resource: resourceURL, Reason: cb.Err()}
	}

	err = n.CompleteAuthorization(ctx, flow, cb.Code)
	stopSpinner()
	if err != nil {
		return &AuthFailedError{Resource: resourceURL, Reason: err}
	}

	printf(out, "%s Authenticated to %s\n", text.FgGreen.Sprint("✓"), resourceURL)
	if key := firstToken(ctx, n, resourceURL); key != nil {
		if identity := formatIdentity(key); identity != "-" {
			printf(out, "  Identity: %s\n", identity)
		}
		printf(out, "  Expires:  %s\n", formatExpiry(key.ExpiresAt, time.Now()))
	}
	return nil
}

// firstToken returns the first stored token for resourceURL, or nil.
func firstToken(ctx context.Context, n *negotiator.Negotiator, resourceURL string) *oauth.TokenRecord {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return nil
	}
	for _, key := range n.Tokens().FindByResource(ctx, canonical) {
		if record, ok := n.Tokens().Get(ctx, key); ok {
			return record
		}
	}
	return nil
}
