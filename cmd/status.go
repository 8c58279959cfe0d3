package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"mcpauth/internal/negotiator"
	"mcpauth/pkg/auth"
	"mcpauth/pkg/oauth"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// Output formats of the status command.
const (
	outputTable = "table"
	outputJSON  = "json"
)

func newStatusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status [url]",
		Short: "Show stored credentials",
		Long: `Show the tokens held for MCP servers.

With a URL only the tokens bound to that server are listed. Nothing is sent
over the network.

Examples:
  mcpauth status
  mcpauth status https://mcp.example.com/mcp --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if output != outputTable && output != outputJSON {
				return fmt.Errorf("invalid output format %q: must be %s or %s", output, outputTable, outputJSON)
			}

			env, err := newEnvironment(cmd)
			if err != nil {
				return err
			}
			defer closeEnvironment(env, &err)

			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), env.negotiator, filter, output, time.Now())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table or json")
	return cmd
}

func runStatus(ctx context.Context, out io.Writer, n *negotiator.Negotiator, filter, output string, now time.Time) error {
	var keys []string
	if filter != "" {
		canonical, err := oauth.CanonicalizeResource(filter)
		if err != nil {
			return err
		}
		keys = n.Tokens().FindByResource(ctx, canonical)
	} else {
		keys = n.Tokens().Keys(ctx)
	}

	records := make([]*oauth.TokenRecord, 0, len(keys))
	for _, key := range keys {
		if record, ok := n.Tokens().Get(ctx, key); ok {
			records = append(records, record)
		}
	}

	if len(records) == 0 && filter != "" {
		return &AuthRequiredError{Resource: filter}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Resource != records[j].Resource {
			return records[i].Resource < records[j].Resource
		}
		return records[i].ClientID < records[j].ClientID
	})

	if output == outputJSON {
		resp := auth.StatusResponse{ServerAuths: make([]auth.ServerAuthStatus, 0, len(records))}
		for _, record := range records {
			resp.ServerAuths = append(resp.ServerAuths, auth.NewServerAuthStatus(record, now))
		}
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	if len(records) == 0 {
		printf(out, "No stored credentials\n")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"RESOURCE", "CLIENT", "IDENTITY", "EXPIRES", "REFRESH"})
	for _, record := range records {
		refresh := text.FgHiBlack.Sprint("no")
		if record.CanRefresh() {
			refresh = text.FgGreen.Sprint("yes")
		}
		t.AppendRow(table.Row{
			record.Resource,
			record.ClientID,
			formatIdentity(record),
			formatExpiry(record.ExpiresAt, now),
			refresh,
		})
	}
	t.Render()
	return nil
}
