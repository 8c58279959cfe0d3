package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mcpauth/internal/negotiator"

	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "logout [url]",
		Short: "Revoke and delete stored tokens",
		Long: `Revoke the tokens held for an MCP server at its authorization server and
delete them locally. Tokens are deleted even when revocation fails.

Examples:
  mcpauth logout https://mcp.example.com/mcp
  mcpauth logout --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if all == (len(args) == 1) {
				return fmt.Errorf("specify either a server URL or --all")
			}

			env, err := newEnvironment(cmd)
			if err != nil {
				return err
			}
			defer closeEnvironment(env, &err)

			if all {
				return runLogoutAll(cmd.Context(), cmd.OutOrStdout(), env.negotiator)
			}
			return runLogout(cmd.Context(), cmd.OutOrStdout(), env.negotiator, args[0])
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Log out of every server")
	return cmd
}

func runLogout(ctx context.Context, out io.Writer, n *negotiator.Negotiator, resourceURL string) error {
	if err := n.Logout(ctx, resourceURL); err != nil {
		return fmt.Errorf("logged out of %s, but revocation failed: %w", resourceURL, err)
	}
	printf(out, "Logged out of %s\n", resourceURL)
	return nil
}

func runLogoutAll(ctx context.Context, out io.Writer, n *negotiator.Negotiator) error {
	keys := n.Tokens().Keys(ctx)
	if len(keys) == 0 {
		printf(out, "No stored credentials\n")
		return nil
	}

	var errs []error
	for _, key := range keys {
		if err := n.Tokens().Revoke(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	printf(out, "Removed %d stored token(s)\n", len(keys))
	if len(errs) > 0 {
		return fmt.Errorf("revocation failed: %w", errors.Join(errs...))
	}
	return nil
}
