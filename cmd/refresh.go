package cmd

import (
	"context"
	"errors"
	"io"
	"time"

	"mcpauth/internal/negotiator"
	"mcpauth/internal/tokens"
	"mcpauth/pkg/oauth"

	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <url>",
		Short: "Refresh the token for an MCP server",
		Long: `Redeem the stored refresh token for a new access token, even if the
current one is still valid.

Exits with code 2 when no token is stored or the refresh token was rejected,
in which case run "mcpauth login" again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			env, err := newEnvironment(cmd)
			if err != nil {
				return err
			}
			defer closeEnvironment(env, &err)

			return runRefresh(cmd.Context(), cmd.OutOrStdout(), env.negotiator, args[0])
		},
	}
}

func runRefresh(ctx context.Context, out io.Writer, n *negotiator.Negotiator, resourceURL string) error {
	record, err := n.Refresh(ctx, resourceURL)
	if err != nil {
		if errors.Is(err, tokens.ErrNoToken) || errors.Is(err, oauth.ErrReauthorizationRequired) {
			return &AuthRequiredError{Resource: resourceURL}
		}
		return err
	}

	printf(out, "Refreshed token for %s, expires %s\n", resourceURL, formatExpiry(record.ExpiresAt, time.Now()))
	return nil
}
