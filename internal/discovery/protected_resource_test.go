package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

func newFetcher(server *httptest.Server) transport.Fetcher {
	return transport.NewHTTPFetcher(
		transport.WithHTTPClient(server.Client()),
		transport.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
}

func TestCandidateURLs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "with path",
			input: "https://mcp.example.com/mcp",
			want: []string{
				"https://mcp.example.com/.well-known/oauth-protected-resource/mcp",
				"https://mcp.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:  "root",
			input: "https://MCP.example.com/",
			want:  []string{"https://mcp.example.com/.well-known/oauth-protected-resource"},
		},
		{
			name:  "port and nested path",
			input: "http://127.0.0.1:8080/api/mcp/",
			want: []string{
				"http://127.0.0.1:8080/.well-known/oauth-protected-resource/api/mcp",
				"http://127.0.0.1:8080/.well-known/oauth-protected-resource",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CandidateURLs(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CandidateURLs("mcp.example.com")
	assert.ErrorIs(t, err, oauth.ErrInvalidResourceURI)
}

func TestResourceClient_ChallengeURLIsUsedExclusively(t *testing.T) {
	var wellKnownCalls, explicitCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&wellKnownCalls, 1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&wellKnownCalls, 1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/custom/metadata", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&explicitCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resource":"` + "http://" + r.Host + `/mcp","authorization_servers":["https://auth.example.com"]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewResourceClient(newFetcher(server))
	md, err := c.Discover(context.Background(), server.URL+"/mcp", map[string]string{
		"resource_metadata": server.URL + "/custom/metadata",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"https://auth.example.com"}, md.Issuers())
	assert.Equal(t, int32(1), atomic.LoadInt32(&explicitCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&wellKnownCalls))
}

func TestResourceClient_ChallengeURLFailureDoesNotProbe(t *testing.T) {
	var wellKnownCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&wellKnownCalls, 1)
		_, _ = w.Write([]byte(`{"resource":"x","authorization_servers":["https://a"]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewResourceClient(newFetcher(server))
	_, err := c.Discover(context.Background(), server.URL+"/mcp", map[string]string{
		"resource_metadata": server.URL + "/missing",
	})

	assert.ErrorIs(t, err, oauth.ErrProtectedResourceMetadataNotFound)
	assert.Equal(t, int32(0), atomic.LoadInt32(&wellKnownCalls))
}

func TestResourceClient_ProbeOrder(t *testing.T) {
	t.Run("path-specific document wins", func(t *testing.T) {
		var paths []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.Path)
			if r.URL.Path == "/.well-known/oauth-protected-resource/mcp" {
				_, _ = w.Write([]byte(`{"resource":"http://` + r.Host + `/mcp","authorization_servers":["https://path-as"]}`))
				return
			}
			_, _ = w.Write([]byte(`{"resource":"http://` + r.Host + `","authorization_servers":["https://root-as"]}`))
		}))
		defer server.Close()

		c := NewResourceClient(newFetcher(server))
		md, err := c.Discover(context.Background(), server.URL+"/mcp", nil)

		require.NoError(t, err)
		assert.Equal(t, []string{"https://path-as"}, md.Issuers())
		assert.Equal(t, []string{"/.well-known/oauth-protected-resource/mcp"}, paths)
	})

	t.Run("falls back to origin document", func(t *testing.T) {
		var paths []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.Path)
			if r.URL.Path == "/.well-known/oauth-protected-resource" {
				_, _ = w.Write([]byte(`{"resource":"http://` + r.Host + `/mcp","authorization_servers":[{"issuer":"https://auth.example.com"}]}`))
				return
			}
			http.NotFound(w, r)
		}))
		defer server.Close()

		c := NewResourceClient(newFetcher(server))
		md, err := c.Discover(context.Background(), server.URL+"/mcp", map[string]string{"realm": "mcp-server"})

		require.NoError(t, err)
		assert.Equal(t, []string{"https://auth.example.com"}, md.Issuers())
		assert.Equal(t, []string{
			"/.well-known/oauth-protected-resource/mcp",
			"/.well-known/oauth-protected-resource",
		}, paths)
	})

	t.Run("unparseable document moves on", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/.well-known/oauth-protected-resource/mcp" {
				_, _ = w.Write([]byte(`<html>not json</html>`))
				return
			}
			_, _ = w.Write([]byte(`{"resource":"http://` + r.Host + `/mcp","authorization_servers":["https://as"]}`))
		}))
		defer server.Close()

		c := NewResourceClient(newFetcher(server))
		md, err := c.Discover(context.Background(), server.URL+"/mcp", nil)

		require.NoError(t, err)
		assert.Equal(t, []string{"https://as"}, md.Issuers())
	})
}

func TestResourceClient_NotFound(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := NewResourceClient(newFetcher(server))
	_, err := c.Discover(context.Background(), server.URL+"/mcp", nil)

	assert.ErrorIs(t, err, oauth.ErrProtectedResourceMetadataNotFound)
	// 404s are never retried: one request per candidate.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResourceClient_TransportErrorIsSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	resourceURL := server.URL + "/mcp"
	server.Close()

	c := NewResourceClient(transport.NewHTTPFetcher(
		transport.WithMaxAttempts(2),
		transport.WithBackoff(time.Millisecond, time.Millisecond),
	))
	_, err := c.Discover(context.Background(), resourceURL, nil)

	require.Error(t, err)
	assert.True(t, oauth.IsTransportError(err))
	assert.NotErrorIs(t, err, oauth.ErrProtectedResourceMetadataNotFound)
}

func TestResourceClient_Cache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"resource":"http://` + r.Host + `/mcp","authorization_servers":["https://as"]}`))
	}))
	defer server.Close()

	now := time.Now()
	clock := func() time.Time { return now }

	c := NewResourceClient(newFetcher(server), WithMetadataCacheTTL(time.Minute), WithClock(clock))

	for i := 0; i < 3; i++ {
		_, err := c.Discover(context.Background(), server.URL+"/mcp", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(2 * time.Minute)
	_, err := c.Discover(context.Background(), server.URL+"/mcp", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	c.Invalidate(server.URL + "/mcp")
	_, err = c.Discover(context.Background(), server.URL+"/mcp", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestResourceClient_InvalidResource(t *testing.T) {
	c := NewResourceClient(transport.NewHTTPFetcher())
	_, err := c.Discover(context.Background(), "https://mcp.example.com#x", nil)
	assert.ErrorIs(t, err, oauth.ErrInvalidResourceURI)
}
