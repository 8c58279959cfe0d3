package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"mcpauth/internal/negotiator"
	"mcpauth/internal/transport"
	"mcpauth/pkg/logging"
	"mcpauth/pkg/oauth"
	mcpstrings "mcpauth/pkg/strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

// mcpProtocolVersion is the protocol version announced when probing.
const mcpProtocolVersion = "2024-11-05"

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <url>",
		Short: "Connect to an MCP server using stored credentials",
		Long: `Connect to an MCP server with the stored token, initialize an MCP session
and list the server's tools.

If the server rejects the token, the rejection is handled once: the token is
invalidated, refreshed if possible, and the request retried. Exits with code
2 when a browser login is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			env, err := newEnvironment(cmd)
			if err != nil {
				return err
			}
			defer closeEnvironment(env, &err)

			return runProbe(cmd.Context(), cmd.OutOrStdout(), env.negotiator, env.fetcher, args[0])
		},
	}
}

// probeResult is what an MCP session revealed about a server.
type probeResult struct {
	serverName    string
	serverVersion string
	tools         []mcp.Tool
}

func runProbe(ctx context.Context, out io.Writer, n *negotiator.Negotiator, fetcher transport.Fetcher, resourceURL string) error {
	result, err := n.AuthenticationHeaders(ctx, resourceURL)
	if err != nil {
		return err
	}
	if result.ManualFlowRequired() {
		n.Cleanup(resourceURL)
		return &AuthRequiredError{Resource: resourceURL}
	}

	probe, err := probeServer(ctx, resourceURL, result.Headers)
	if err != nil && oauth.Is401Error(err) {
		logging.Debug("Probe", "Server rejected the token for %s, retrying once", resourceURL)

		challenge, challengeErr := fetchChallenge(ctx, fetcher, resourceURL, result.Headers)
		if challengeErr != nil {
			return challengeErr
		}
		result, err = n.HandleUnauthorized(ctx, resourceURL, challenge)
		if err != nil {
			return err
		}
		if result.ManualFlowRequired() {
			n.Cleanup(resourceURL)
			return &AuthRequiredError{Resource: resourceURL}
		}
		probe, err = probeServer(ctx, resourceURL, result.Headers)
	}
	if err != nil {
		if oauth.Is401Error(err) {
			return &AuthRequiredError{Resource: resourceURL}
		}
		return fmt.Errorf("failed to probe %s: %w", resourceURL, err)
	}

	printf(out, "Connected to %s %s\n", probe.serverName, probe.serverVersion)
	if quiet {
		return nil
	}
	if len(probe.tools) == 0 {
		printf(out, "No tools available\n")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"TOOL", "DESCRIPTION"})
	for _, tool := range probe.tools {
		t.AppendRow(table.Row{tool.Name, mcpstrings.Truncate(tool.Description, mcpstrings.DefaultDescriptionMaxLen)})
	}
	t.Render()
	return nil
}

// probeServer initializes an MCP session with the given headers and lists tools.
func probeServer(ctx context.Context, resourceURL string, headers http.Header) (*probeResult, error) {
	flat := make(map[string]string, len(headers))
	for name := range headers {
		flat[name] = headers.Get(name)
	}

	mcpClient, err := client.NewStreamableHttpClient(resourceURL, mcptransport.WithHTTPHeaders(flat))
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	defer mcpClient.Close()

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcpProtocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "mcpauth",
				Version: GetVersion(),
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, err
	}

	tools, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	return &probeResult{
		serverName:    initResult.ServerInfo.Name,
		serverVersion: initResult.ServerInfo.Version,
		tools:         tools.Tools,
	}, nil
}

// fetchChallenge repeats a request the MCP client saw rejected, to read the
// WWW-Authenticate header the client library does not expose.
func fetchChallenge(ctx context.Context, fetcher transport.Fetcher, resourceURL string, headers http.Header) (string, error) {
	header := headers.Clone()
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json, text/event-stream")

	resp, err := fetcher.Fetch(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    resourceURL,
		Header: header,
		Body:   []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`),
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return "", fmt.Errorf("expected 401 from %s, got %d", resourceURL, resp.StatusCode)
	}
	return resp.Header.Get("WWW-Authenticate"), nil
}
