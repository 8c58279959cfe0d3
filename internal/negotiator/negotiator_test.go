package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpauth/internal/secretstore"
	"mcpauth/internal/testing/mock"
	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

type testEnv struct {
	clock    *mock.MockClock
	auth     *mock.OAuthServer
	resource *mock.ProtectedResourceServer
	n        *Negotiator
}

func newTestEnv(t *testing.T, asConfig mock.OAuthServerConfig, rsConfig mock.ProtectedResourceConfig, cfg Config) *testEnv {
	t.Helper()

	clock := mock.NewMockClock(time.Time{})
	asConfig.Clock = clock
	as := mock.NewOAuthServer(asConfig)
	t.Cleanup(as.Close)

	rsConfig.AuthServer = as
	rs := mock.NewProtectedResourceServer(rsConfig)
	t.Cleanup(rs.Close)

	n := New(cfg, transport.NewHTTPFetcher(transport.WithMaxAttempts(1)), WithClock(clock.Now))
	t.Cleanup(n.Close)

	return &testEnv{clock: clock, auth: as, resource: rs, n: n}
}

// authenticate drives a full manual flow and returns the resulting headers.
func (e *testEnv) authenticate(t *testing.T) http.Header {
	t.Helper()
	ctx := context.Background()

	result, err := e.n.AuthenticationHeaders(ctx, e.resource.ResourceURL())
	require.NoError(t, err)
	require.True(t, result.ManualFlowRequired())

	code, state, err := e.auth.Authorize(result.ManualFlow.AuthorizationURL)
	require.NoError(t, err)
	require.Equal(t, result.ManualFlow.State, state)

	require.NoError(t, e.n.CompleteAuthorization(ctx, result.ManualFlow, code))

	result, err = e.n.AuthenticationHeaders(ctx, e.resource.ResourceURL())
	require.NoError(t, err)
	require.False(t, result.ManualFlowRequired())
	return result.Headers
}

func (e *testEnv) accessToken(t *testing.T, headers http.Header) string {
	t.Helper()
	token, ok := strings.CutPrefix(headers.Get("Authorization"), "Bearer ")
	require.True(t, ok)
	return token
}

// staticFetcher serves canned documents keyed by URL and records every request.
type staticFetcher struct {
	mu        sync.Mutex
	documents map[string]interface{}
	requests  []string
}

func (f *staticFetcher) Fetch(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req.Method+" "+req.URL)
	f.mu.Unlock()

	doc, ok := f.documents[req.URL]
	if !ok {
		return &transport.Response{StatusCode: http.StatusNotFound}, nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	if req.Method == http.MethodPost {
		status = http.StatusCreated
	}
	return &transport.Response{StatusCode: status, Body: body}, nil
}

// gatedFetcher holds the first request for gateURL until release is closed.
type gatedFetcher struct {
	transport.Fetcher
	gateURL string
	gated   int32
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) Fetch(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.URL == f.gateURL && atomic.CompareAndSwapInt32(&f.gated, 0, 1) {
		close(f.entered)
		<-f.release
	}
	return f.Fetcher.Fetch(ctx, req)
}

func exampleDocuments() map[string]interface{} {
	return map[string]interface{}{
		"https://mcp.example.com/.well-known/oauth-protected-resource/mcp": map[string]interface{}{
			"resource":              "https://mcp.example.com/mcp",
			"authorization_servers": []string{"https://auth.example.com"},
		},
		"https://auth.example.com/.well-known/oauth-authorization-server": map[string]interface{}{
			"issuer":                           "https://auth.example.com",
			"authorization_endpoint":           "https://auth.example.com/authorize",
			"token_endpoint":                   "https://auth.example.com/token",
			"registration_endpoint":            "https://auth.example.com/register",
			"code_challenge_methods_supported": []string{"S256"},
		},
		"https://auth.example.com/register": map[string]interface{}{
			"client_id": "generated-123",
		},
	}
}

func TestAuthenticationHeaders_DiscoversRegistersAndReturnsManualFlow(t *testing.T) {
	fetcher := &staticFetcher{documents: exampleDocuments()}

	n := New(Config{}, fetcher)
	defer n.Close()

	result, err := n.AuthenticationHeaders(context.Background(), "https://mcp.example.com/mcp")
	require.NoError(t, err)
	require.True(t, result.ManualFlowRequired())
	assert.Nil(t, result.Headers)

	flow := result.ManualFlow
	assert.Contains(t, flow.AuthorizationURL, "client_id=generated-123")
	assert.Contains(t, flow.AuthorizationURL, "code_challenge_method=S256")
	assert.Contains(t, flow.AuthorizationURL, "resource=https%3A%2F%2Fmcp.example.com%2Fmcp")
	assert.NotContains(t, flow.AuthorizationURL, "code_verifier")
	assert.Equal(t, "generated-123", flow.ClientID)
	assert.Equal(t, "https://mcp.example.com/mcp", flow.Resource)
	assert.Equal(t, "https://auth.example.com", flow.Issuer)
	assert.NotEmpty(t, flow.FlowID)

	assert.Equal(t, []string{
		"GET https://mcp.example.com/.well-known/oauth-protected-resource/mcp",
		"GET https://auth.example.com/.well-known/oauth-authorization-server",
		"POST https://auth.example.com/register",
	}, fetcher.requests)

	assert.Equal(t, StateAwaitingUserAuthorization, n.State("https://mcp.example.com/mcp"))
	assert.Len(t, n.PendingFlows(), 1)
}

func TestAuthenticationHeaders_EndToEnd(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})

	headers := env.authenticate(t)
	token := env.accessToken(t, headers)
	assert.True(t, env.auth.ValidateToken(token, env.resource.ResourceURL()))

	assert.Equal(t, 1, env.resource.PathMetadataRequests())
	assert.Equal(t, 0, env.resource.OriginMetadataRequests())
	assert.Equal(t, 1, env.auth.RegistrationRequests())
	assert.Equal(t, 1, env.auth.TokenRequests())
	assert.Equal(t, StateAuthenticated, env.n.State(env.resource.ResourceURL()))
	assert.True(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))
	assert.Empty(t, env.n.PendingFlows())
}

func TestAuthenticationHeaders_CachedTokenNeedsNoNetwork(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	first := env.authenticate(t)

	metadata := env.auth.MetadataRequests()
	tokens := env.auth.TokenRequests()

	for i := 0; i < 5; i++ {
		result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
		require.NoError(t, err)
		assert.Equal(t, first.Get("Authorization"), result.Headers.Get("Authorization"))
	}

	assert.Equal(t, metadata, env.auth.MetadataRequests())
	assert.Equal(t, tokens, env.auth.TokenRequests())
	assert.Equal(t, 1, env.resource.PathMetadataRequests())
}

func TestAuthenticationHeaders_PKCENotSupported(t *testing.T) {
	env := newTestEnv(t,
		mock.OAuthServerConfig{CodeChallengeMethods: []string{}},
		mock.ProtectedResourceConfig{},
		Config{},
	)

	result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, oauth.ErrPKCENotSupported))

	assert.Equal(t, 0, env.auth.RegistrationRequests())
	assert.Equal(t, 0, env.auth.AuthorizeRequests())
	assert.Equal(t, StateUnauthenticated, env.n.State(env.resource.ResourceURL()))
}

func TestAuthenticationHeaders_ChallengeMetadataURLUsedExclusively(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})

	originMetadata := strings.TrimSuffix(env.resource.MetadataURL(), "/mcp")
	challenge := `Bearer realm="mcp-server", resource_metadata="` + originMetadata + `"`

	result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL(), WithChallenge(challenge))
	require.NoError(t, err)
	require.True(t, result.ManualFlowRequired())

	assert.Equal(t, 0, env.resource.PathMetadataRequests())
	assert.Equal(t, 1, env.resource.OriginMetadataRequests())
}

func TestAuthenticationHeaders_FallsBackToOriginMetadata(t *testing.T) {
	env := newTestEnv(t,
		mock.OAuthServerConfig{},
		mock.ProtectedResourceConfig{OriginMetadataOnly: true, IssuerObjects: true},
		Config{},
	)

	result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	require.NoError(t, err)
	require.True(t, result.ManualFlowRequired())
	assert.Equal(t, 1, env.resource.OriginMetadataRequests())
	assert.Equal(t, env.auth.Issuer(), result.ManualFlow.Issuer)
}

func TestAuthenticationHeaders_OIDCFallback(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{OIDCOnly: true}, mock.ProtectedResourceConfig{}, Config{})

	headers := env.authenticate(t)
	assert.NotEmpty(t, headers.Get("Authorization"))
}

func TestAuthenticationHeaders_ScopePrecedence(t *testing.T) {
	t.Run("challenge scope", func(t *testing.T) {
		env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{Scopes: []string{"mcp:read", "mcp:write"}}, Config{})

		result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL(),
			WithChallenge(`Bearer resource_metadata="`+env.resource.MetadataURL()+`", scope="mcp:read"`))
		require.NoError(t, err)
		assert.Equal(t, "mcp:read", result.ManualFlow.Scope)
	})

	t.Run("advertised scopes", func(t *testing.T) {
		env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{Scopes: []string{"mcp:read", "mcp:write"}}, Config{})

		result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
		require.NoError(t, err)
		assert.Equal(t, "mcp:read mcp:write", result.ManualFlow.Scope)
	})

	t.Run("configured scopes win", func(t *testing.T) {
		env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{Scopes: []string{"mcp:read"}}, Config{Scopes: []string{"openid", "mcp:admin"}})

		result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL(),
			WithChallenge(`Bearer scope="mcp:read"`))
		require.NoError(t, err)
		assert.Equal(t, "openid mcp:admin", result.ManualFlow.Scope)

		u, err := url.Parse(result.ManualFlow.AuthorizationURL)
		require.NoError(t, err)
		assert.Equal(t, "openid mcp:admin", u.Query().Get("scope"))
	})
}

func TestAuthenticationHeaders_FallbackClientID(t *testing.T) {
	t.Run("no registration endpoint", func(t *testing.T) {
		env := newTestEnv(t,
			mock.OAuthServerConfig{DisableRegistration: true, StaticClientIDs: []string{"static-client"}},
			mock.ProtectedResourceConfig{},
			Config{FallbackClientID: "static-client"},
		)

		headers := env.authenticate(t)
		assert.NotEmpty(t, headers.Get("Authorization"))
		assert.Equal(t, 0, env.auth.RegistrationRequests())
	})

	t.Run("registration rejected", func(t *testing.T) {
		env := newTestEnv(t,
			mock.OAuthServerConfig{RegistrationError: "invalid_client_metadata", StaticClientIDs: []string{"static-client"}},
			mock.ProtectedResourceConfig{},
			Config{FallbackClientID: "static-client"},
		)

		result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
		require.NoError(t, err)
		assert.Equal(t, "static-client", result.ManualFlow.ClientID)
		assert.Equal(t, 1, env.auth.RegistrationRequests())
	})
}

func TestAuthenticationHeaders_RegistrationRejectedWithoutFallback(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{RegistrationError: "invalid_redirect_uri"}, mock.ProtectedResourceConfig{}, Config{})

	_, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	require.Error(t, err)
	assert.True(t, errors.Is(err, oauth.ErrRegistrationFailed))

	var regErr *oauth.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "invalid_redirect_uri", regErr.Code)
	assert.Equal(t, 0, env.auth.AuthorizeRequests())
}

func TestAuthenticationHeaders_NoClientIdentity(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{DisableRegistration: true}, mock.ProtectedResourceConfig{}, Config{})

	_, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	assert.True(t, errors.Is(err, oauth.ErrNoClientIdentity))
}

func TestAuthenticationHeaders_InvalidResource(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})

	_, err := env.n.AuthenticationHeaders(context.Background(), "mcp.example.com/mcp")
	assert.True(t, errors.Is(err, oauth.ErrInvalidResourceURI))
	assert.Equal(t, 0, env.resource.PathMetadataRequests())
}

func TestAuthenticationHeaders_ConcurrentCallsShareDiscovery(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})

	const callers = 10
	var wg sync.WaitGroup
	var manual atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
			if assert.NoError(t, err) && result.ManualFlowRequired() {
				manual.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(callers), manual.Load())
	assert.Equal(t, 1, env.resource.PathMetadataRequests())
	assert.Equal(t, 1, env.auth.RegistrationRequests())
}

func TestCompleteAuthorization_UnknownFlow(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, env.n.CompleteAuthorization(ctx, nil, "code"), oauth.ErrUnknownFlow)
	assert.ErrorIs(t, env.n.CompleteAuthorization(ctx, &oauth.ManualFlowRequest{State: "made-up"}, "code"), oauth.ErrUnknownFlow)

	result, err := env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)

	forged := *result.ManualFlow
	forged.FlowID = "other"
	assert.ErrorIs(t, env.n.CompleteAuthorization(ctx, &forged, "code"), oauth.ErrUnknownFlow)
	assert.Equal(t, 0, env.auth.TokenRequests())
}

func TestCompleteAuthorization_FlowCannotBeReused(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	ctx := context.Background()

	result, err := env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)
	code, _, err := env.auth.Authorize(result.ManualFlow.AuthorizationURL)
	require.NoError(t, err)

	require.NoError(t, env.n.CompleteAuthorization(ctx, result.ManualFlow, code))
	assert.ErrorIs(t, env.n.CompleteAuthorization(ctx, result.ManualFlow, code), oauth.ErrUnknownFlow)
}

func TestCompleteAuthorization_ExpiredFlow(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{FlowTimeout: time.Minute})
	ctx := context.Background()

	result, err := env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)
	code, _, err := env.auth.Authorize(result.ManualFlow.AuthorizationURL)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)

	assert.ErrorIs(t, env.n.CompleteAuthorization(ctx, result.ManualFlow, code), oauth.ErrUnknownFlow)
	assert.Equal(t, StateUnauthenticated, env.n.State(env.resource.ResourceURL()))
	assert.Equal(t, 0, env.auth.TokenRequests())
}

func TestCompleteAuthorization_BadCode(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	ctx := context.Background()

	result, err := env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)

	err = env.n.CompleteAuthorization(ctx, result.ManualFlow, "not-a-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token exchange failed")
	assert.Equal(t, StateUnauthenticated, env.n.State(env.resource.ResourceURL()))
	assert.False(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))
}

func TestCompleteAuthorizationFromCallback(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	ctx := context.Background()

	result, err := env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)
	code, state, err := env.auth.Authorize(result.ManualFlow.AuthorizationURL)
	require.NoError(t, err)

	require.NoError(t, env.n.CompleteAuthorizationFromCallback(ctx, state, code))
	assert.True(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))
}

func TestAuthenticationHeaders_RefreshesExpiredToken(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	first := env.authenticate(t)

	env.clock.Advance(2 * time.Hour)
	assert.False(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))

	result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	require.NoError(t, err)
	require.False(t, result.ManualFlowRequired())

	assert.NotEqual(t, first.Get("Authorization"), result.Headers.Get("Authorization"))
	assert.True(t, env.auth.ValidateToken(env.accessToken(t, result.Headers), env.resource.ResourceURL()))
	assert.Equal(t, 2, env.auth.TokenRequests())
	assert.Equal(t, StateAuthenticated, env.n.State(env.resource.ResourceURL()))
}

func TestAuthenticationHeaders_RejectedRefreshRestartsFlow(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{RejectRefresh: true}, mock.ProtectedResourceConfig{}, Config{})
	env.authenticate(t)

	env.clock.Advance(2 * time.Hour)

	result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	require.NoError(t, err)
	assert.True(t, result.ManualFlowRequired())
	assert.Empty(t, env.n.Tokens().Keys(context.Background()))
}

func TestHandleUnauthorized(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	first := env.authenticate(t)

	challenge := env.resource.Challenge() + `, error="invalid_token"`
	result, err := env.n.HandleUnauthorized(context.Background(), env.resource.ResourceURL(), challenge)
	require.NoError(t, err)
	require.False(t, result.ManualFlowRequired())

	assert.NotEqual(t, first.Get("Authorization"), result.Headers.Get("Authorization"))
	assert.Equal(t, 2, env.auth.TokenRequests())
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{RotateRefreshTokens: true}, mock.ProtectedResourceConfig{}, Config{})
	ctx := context.Background()

	_, err := env.n.Refresh(ctx, env.resource.ResourceURL())
	assert.Error(t, err)

	env.authenticate(t)

	record, err := env.n.Refresh(ctx, env.resource.ResourceURL())
	require.NoError(t, err)
	assert.True(t, env.auth.ValidateToken(record.AccessToken, env.resource.ResourceURL()))
	assert.Equal(t, 2, env.auth.TokenRequests())
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	headers := env.authenticate(t)
	token := env.accessToken(t, headers)

	require.NoError(t, env.n.Logout(context.Background(), env.resource.ResourceURL()))

	assert.Equal(t, 2, env.auth.RevocationRequests())
	assert.False(t, env.auth.ValidateToken(token, env.resource.ResourceURL()))
	assert.False(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))
	assert.Equal(t, StateUnauthenticated, env.n.State(env.resource.ResourceURL()))
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{})
	ctx := context.Background()

	result, err := env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)

	env.n.Cleanup(env.resource.ResourceURL())

	assert.Empty(t, env.n.PendingFlows())
	assert.Equal(t, StateUnauthenticated, env.n.State(env.resource.ResourceURL()))
	assert.ErrorIs(t, env.n.CompleteAuthorization(ctx, result.ManualFlow, "code"), oauth.ErrUnknownFlow)

	_, err = env.n.AuthenticationHeaders(ctx, env.resource.ResourceURL())
	require.NoError(t, err)
	assert.Equal(t, 2, env.resource.PathMetadataRequests())
}

func TestCleanup_AbandonsDiscoveryInProgress(t *testing.T) {
	const (
		resourceURL = "https://mcp.example.com/mcp"
		prmURL      = "https://mcp.example.com/.well-known/oauth-protected-resource/mcp"
		registerURL = "https://auth.example.com/register"
	)
	docs := &staticFetcher{documents: exampleDocuments()}
	fetcher := &gatedFetcher{
		Fetcher: docs,
		gateURL: prmURL,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	n := New(Config{}, fetcher)
	defer n.Close()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := n.AuthenticationHeaders(ctx, resourceURL)
		errCh <- err
	}()
	<-fetcher.entered

	n.Cleanup(resourceURL)

	// A caller arriving after Cleanup starts its own discovery.
	result, err := n.AuthenticationHeaders(ctx, resourceURL)
	require.NoError(t, err)
	require.True(t, result.ManualFlowRequired())

	close(fetcher.release)
	assert.ErrorIs(t, <-errCh, ErrFlowAbandoned)

	flows := n.PendingFlows()
	require.Len(t, flows, 1)
	assert.Equal(t, result.ManualFlow.State, flows[0].State)
	assert.Equal(t, StateAwaitingUserAuthorization, n.State(resourceURL))

	var prmRequests, registrations int
	docs.mu.Lock()
	for _, r := range docs.requests {
		switch r {
		case "GET " + prmURL:
			prmRequests++
		case "POST " + registerURL:
			registrations++
		}
	}
	docs.mu.Unlock()
	assert.Equal(t, 2, prmRequests)
	assert.Equal(t, 1, registrations)
}

func TestCleanup_AbandonedDiscoveryLeavesNoFlow(t *testing.T) {
	const resourceURL = "https://mcp.example.com/mcp"
	fetcher := &gatedFetcher{
		Fetcher: &staticFetcher{documents: exampleDocuments()},
		gateURL: "https://mcp.example.com/.well-known/oauth-protected-resource/mcp",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	n := New(Config{}, fetcher)
	defer n.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := n.AuthenticationHeaders(context.Background(), resourceURL)
		errCh <- err
	}()
	<-fetcher.entered

	n.Cleanup(resourceURL)
	close(fetcher.release)

	assert.ErrorIs(t, <-errCh, ErrFlowAbandoned)
	assert.Empty(t, n.PendingFlows())
	assert.Equal(t, StateUnauthenticated, n.State(resourceURL))
}

func TestAuthenticationHeaders_HonorsExpiryMargin(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{}, mock.ProtectedResourceConfig{}, Config{ExpiryMargin: 30 * time.Minute})
	first := env.authenticate(t)

	// 20 minutes left on a one hour token is inside the margin.
	env.clock.Advance(40 * time.Minute)
	assert.False(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))

	result, err := env.n.AuthenticationHeaders(context.Background(), env.resource.ResourceURL())
	require.NoError(t, err)
	require.False(t, result.ManualFlowRequired())
	assert.NotEqual(t, first.Get("Authorization"), result.Headers.Get("Authorization"))
	assert.Equal(t, 2, env.auth.TokenRequests())
	assert.True(t, env.n.IsAuthenticationValid(env.resource.ResourceURL()))
}

func TestDiscover(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{IssuerPath: "/tenant1"}, mock.ProtectedResourceConfig{Scopes: []string{"mcp"}}, Config{})

	d, err := env.n.Discover(context.Background(), env.resource.ResourceURL(), nil)
	require.NoError(t, err)
	assert.Equal(t, env.resource.ResourceURL(), d.Resource)
	assert.Equal(t, []string{"mcp"}, d.ProtectedResource.ScopesSupported)
	assert.Equal(t, env.auth.Issuer(), d.AuthorizationServer.Issuer)
	assert.Empty(t, env.n.PendingFlows())
}

func TestTokensPersistAcrossNegotiators(t *testing.T) {
	store := secretstore.NewMemoryStore()

	clock := mock.NewMockClock(time.Time{})
	as := mock.NewOAuthServer(mock.OAuthServerConfig{Clock: clock})
	defer as.Close()
	rs := mock.NewProtectedResourceServer(mock.ProtectedResourceConfig{AuthServer: as})
	defer rs.Close()

	env := &testEnv{clock: clock, auth: as, resource: rs}
	env.n = New(Config{}, transport.NewHTTPFetcher(), WithClock(clock.Now), WithStore(store))
	headers := env.authenticate(t)
	env.n.Close()

	restarted := New(Config{}, transport.NewHTTPFetcher(), WithClock(clock.Now), WithStore(store))
	defer restarted.Close()

	result, err := restarted.AuthenticationHeaders(context.Background(), rs.ResourceURL())
	require.NoError(t, err)
	require.False(t, result.ManualFlowRequired())
	assert.Equal(t, headers.Get("Authorization"), result.Headers.Get("Authorization"))
	assert.Equal(t, 1, as.RegistrationRequests())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "AwaitingUserAuthorization", StateAwaitingUserAuthorization.String())
	assert.Equal(t, "Unknown", State(99).String())
}
