package cmd

import (
	"context"
	"io"
	"strings"

	"mcpauth/internal/negotiator"
	"mcpauth/pkg/oauth"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var challenge string

	cmd := &cobra.Command{
		Use:   "discover <url>",
		Short: "Show how an MCP server is authorized",
		Long: `Fetch the protected resource metadata of an MCP server and the metadata of
its authorization server, and print what a login would use. No client is
registered and no tokens are requested.

Examples:
  mcpauth discover https://mcp.example.com/mcp
  mcpauth discover https://mcp.example.com/mcp \
    --challenge 'Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource/mcp"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			env, err := newEnvironment(cmd)
			if err != nil {
				return err
			}
			defer closeEnvironment(env, &err)

			return runDiscover(cmd.Context(), cmd.OutOrStdout(), env.negotiator, args[0], challenge)
		},
	}

	cmd.Flags().StringVar(&challenge, "challenge", "", "WWW-Authenticate header of a 401 response to steer discovery")
	return cmd
}

func runDiscover(ctx context.Context, out io.Writer, n *negotiator.Negotiator, resourceURL, challenge string) error {
	var params map[string]string
	if challenge != "" {
		params = oauth.ParseBearerChallenge(challenge)
	}

	d, err := n.Discover(ctx, resourceURL, params)
	if err != nil {
		return err
	}
	prm := d.ProtectedResource
	asm := d.AuthorizationServer

	pkce := text.FgRed.Sprint("not supported")
	if oauth.MethodsSupported(asm) {
		pkce = text.FgGreen.Sprint("S256")
	}
	registration := text.FgHiBlack.Sprint("-")
	if asm.SupportsRegistration() {
		registration = asm.RegistrationEndpoint
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Resource", d.Resource},
		{"Resource name", orDash(prm.ResourceName)},
		{"Authorization servers", strings.Join(prm.Issuers(), "\n")},
		{"Scopes", orDash(strings.Join(prm.ScopesSupported, " "))},
		{"Issuer", asm.Issuer},
		{"Authorization endpoint", asm.AuthorizationEndpoint},
		{"Token endpoint", asm.TokenEndpoint},
		{"Registration endpoint", registration},
		{"Revocation endpoint", orDash(asm.RevocationEndpoint)},
		{"PKCE", pkce},
	})
	t.Render()
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
