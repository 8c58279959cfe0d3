package mock

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ProtectedResourceConfig configures an OAuth-protected mock MCP server.
type ProtectedResourceConfig struct {
	// Name is reported as the MCP server name.
	Name string

	// Path is where the MCP endpoint is served. Defaults to "/mcp".
	Path string

	// AuthServer issues and validates the tokens this resource accepts.
	AuthServer *OAuthServer

	// Scopes are advertised in the metadata and in the challenge.
	Scopes []string

	// OmitResourceMetadata leaves resource_metadata out of the 401 challenge,
	// forcing clients to probe the well-known URLs.
	OmitResourceMetadata bool

	// OriginMetadataOnly serves the metadata only at the origin-level
	// well-known URL, not the path-specific one.
	OriginMetadataOnly bool

	// IssuerObjects lists authorization servers as {"issuer": ...} objects
	// instead of plain strings.
	IssuerObjects bool
}

// ProtectedResourceServer serves an MCP endpoint that requires bearer tokens
// from an OAuthServer, plus its RFC 9728 protected resource metadata.
type ProtectedResourceServer struct {
	config ProtectedResourceConfig
	server *httptest.Server

	pathMetadataRequests   atomic.Int32
	originMetadataRequests atomic.Int32
	unauthorized           atomic.Int32
}

// NewProtectedResourceServer starts a protected mock MCP server. Call Close when done.
func NewProtectedResourceServer(config ProtectedResourceConfig) *ProtectedResourceServer {
	if config.Path == "" {
		config.Path = "/mcp"
	}
	if config.Name == "" {
		config.Name = "mock-mcp"
	}

	s := &ProtectedResourceServer{config: config}

	mcpServer := server.NewMCPServer(config.Name, "1.0.0",
		server.WithToolCapabilities(false),
	)
	mcpServer.AddTool(
		mcp.NewTool("whoami", mcp.WithDescription("Returns a greeting for the authenticated caller")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("authenticated"), nil
		},
	)

	mux := http.NewServeMux()
	mux.Handle(config.Path, &bearerMiddleware{
		handler:  server.NewStreamableHTTPServer(mcpServer),
		resource: s,
	})
	if !config.OriginMetadataOnly {
		mux.HandleFunc("/.well-known/oauth-protected-resource"+config.Path, func(w http.ResponseWriter, r *http.Request) {
			s.pathMetadataRequests.Add(1)
			s.writeMetadata(w)
		})
	}
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		s.originMetadataRequests.Add(1)
		s.writeMetadata(w)
	})

	s.server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *ProtectedResourceServer) Close() {
	s.server.Close()
}

// ResourceURL returns the URL of the MCP endpoint.
func (s *ProtectedResourceServer) ResourceURL() string {
	return s.server.URL + s.config.Path
}

// MetadataURL returns the path-specific protected resource metadata URL.
func (s *ProtectedResourceServer) MetadataURL() string {
	return s.server.URL + "/.well-known/oauth-protected-resource" + s.config.Path
}

// PathMetadataRequests returns how often the path-specific document was requested.
func (s *ProtectedResourceServer) PathMetadataRequests() int {
	return int(s.pathMetadataRequests.Load())
}

// OriginMetadataRequests returns how often the origin-level document was requested.
func (s *ProtectedResourceServer) OriginMetadataRequests() int {
	return int(s.originMetadataRequests.Load())
}

// UnauthorizedResponses returns how many requests were answered with 401.
func (s *ProtectedResourceServer) UnauthorizedResponses() int {
	return int(s.unauthorized.Load())
}

// Challenge returns the WWW-Authenticate value sent with 401 responses.
func (s *ProtectedResourceServer) Challenge() string {
	challenge := `Bearer realm="mcp-server"`
	if !s.config.OmitResourceMetadata {
		challenge += fmt.Sprintf(`, resource_metadata="%s"`, s.MetadataURL())
	}
	if len(s.config.Scopes) > 0 {
		challenge += fmt.Sprintf(`, scope="%s"`, strings.Join(s.config.Scopes, " "))
	}
	return challenge
}

func (s *ProtectedResourceServer) writeMetadata(w http.ResponseWriter) {
	var servers []interface{}
	if s.config.AuthServer != nil {
		if s.config.IssuerObjects {
			servers = append(servers, map[string]string{"issuer": s.config.AuthServer.Issuer()})
		} else {
			servers = append(servers, s.config.AuthServer.Issuer())
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 s.ResourceURL(),
		"authorization_servers":    servers,
		"scopes_supported":         s.config.Scopes,
		"bearer_methods_supported": []string{"header"},
		"resource_name":            s.config.Name,
	})
}

// bearerMiddleware validates bearer tokens before passing requests to the MCP handler.
type bearerMiddleware struct {
	handler  http.Handler
	resource *ProtectedResourceServer
}

func (m *bearerMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		m.sendAuthChallenge(w, "")
		return
	}

	as := m.resource.config.AuthServer
	if as == nil || !as.ValidateToken(token, m.resource.ResourceURL()) {
		m.sendAuthChallenge(w, "invalid_token")
		return
	}

	m.handler.ServeHTTP(w, r)
}

// sendAuthChallenge answers 401 with an RFC 6750 / RFC 9728 challenge.
func (m *bearerMiddleware) sendAuthChallenge(w http.ResponseWriter, errorCode string) {
	m.resource.unauthorized.Add(1)

	challenge := m.resource.Challenge()
	if errorCode != "" {
		challenge += fmt.Sprintf(`, error="%s"`, errorCode)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeOAuthError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}
