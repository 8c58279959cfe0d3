package negotiator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mcpauth/internal/flight"
	"mcpauth/internal/tokens"
	"mcpauth/pkg/oauth"
)

type headerSettings struct {
	challenge map[string]string
}

// HeaderOption tunes a single AuthenticationHeaders call.
type HeaderOption func(*headerSettings)

// WithChallenge supplies the WWW-Authenticate header of a prior 401 response.
// Its resource_metadata and scope parameters steer discovery.
func WithChallenge(header string) HeaderOption {
	return func(s *headerSettings) {
		s.challenge = oauth.ParseBearerChallenge(header)
	}
}

// Discovery is the metadata that describes how a resource is authorized.
type Discovery struct {
	// Resource is the canonical resource URI.
	Resource            string
	ProtectedResource   *oauth.ProtectedResourceMetadata
	AuthorizationServer *oauth.AuthorizationServerMetadata
}

// AuthenticationHeaders returns the headers that authorize requests to
// resourceURL.
//
// A valid cached token is returned without any network traffic. An expired
// token is refreshed. Otherwise the resource is discovered, a client
// identity obtained and a manual flow returned in Result.ManualFlow; the
// caller resumes it with CompleteAuthorization. Concurrent calls for one
// resource share a single discovery.
func (n *Negotiator) AuthenticationHeaders(ctx context.Context, resourceURL string, opts ...HeaderOption) (*Result, error) {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return nil, err
	}

	var settings headerSettings
	for _, opt := range opts {
		opt(&settings)
	}

	record, err := n.currentToken(ctx, canonical)
	switch {
	case err == nil:
		header := make(http.Header)
		header.Set("Authorization", record.AuthorizationHeader())
		return &Result{Headers: header}, nil
	case errors.Is(err, tokens.ErrNoToken), errors.Is(err, oauth.ErrReauthorizationRequired):
		// fall through to discovery
	default:
		return nil, err
	}

	// Calls arriving after Cleanup get a fresh discovery instead of joining
	// one that Cleanup abandoned.
	gen := n.generation(canonical)
	key := canonical + "|" + settings.challenge["resource_metadata"] + "|" + settings.challenge["scope"] + "|" + strconv.FormatUint(gen, 10)
	flow, _, err := flight.Do(ctx, &n.discoveries, key, 0, func(ctx context.Context) (*oauth.ManualFlowRequest, error) {
		return n.startFlow(ctx, canonical, resourceURL, settings.challenge, gen)
	})
	if err != nil {
		return nil, err
	}

	manual := *flow
	return &Result{ManualFlow: &manual}, nil
}

// currentToken returns a valid token for canonical, refreshing it if needed.
func (n *Negotiator) currentToken(ctx context.Context, canonical string) (*oauth.TokenRecord, error) {
	key := n.tokenKey(ctx, canonical)
	if key == "" {
		return nil, tokens.ErrNoToken
	}

	record, ok := n.tokens.Get(ctx, key)
	if !ok {
		n.forgetToken(canonical)
		return nil, tokens.ErrNoToken
	}
	if !n.tokens.IsExpired(record) {
		n.setState(canonical, StateAuthenticated)
		return record, nil
	}
	if !record.CanRefresh() {
		n.setState(canonical, StateUnauthenticated)
		return nil, oauth.ErrReauthorizationRequired
	}

	n.setState(canonical, StateRefreshing)
	record, err := n.tokens.CurrentOrRefreshed(ctx, key)
	if err != nil {
		n.setState(canonical, StateUnauthenticated)
		if errors.Is(err, oauth.ErrReauthorizationRequired) || errors.Is(err, tokens.ErrNoToken) {
			n.forgetToken(canonical)
		}
		return nil, err
	}
	n.setState(canonical, StateAuthenticated)
	return record, nil
}

// tokenKey returns the key of the token held for canonical, or "".
func (n *Negotiator) tokenKey(ctx context.Context, canonical string) string {
	n.mu.Lock()
	key, ok := n.active[canonical]
	n.mu.Unlock()
	if ok {
		return key
	}

	keys := n.tokens.FindByResource(ctx, canonical)
	if len(keys) == 0 {
		return ""
	}

	n.mu.Lock()
	n.active[canonical] = keys[0]
	n.mu.Unlock()
	return keys[0]
}

func (n *Negotiator) forgetToken(canonical string) {
	n.mu.Lock()
	delete(n.active, canonical)
	n.mu.Unlock()
}

// Discover resolves the protected resource metadata of resourceURL and the
// metadata of its first authorization server, without starting a flow.
// challenge holds the parameters of a prior Bearer challenge and may be nil.
func (n *Negotiator) Discover(ctx context.Context, resourceURL string, challenge map[string]string) (*Discovery, error) {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return nil, err
	}

	prm, err := n.resources.Discover(ctx, canonical, challenge)
	if err != nil {
		return nil, err
	}

	issuers := prm.Issuers()
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: no authorization server listed for %s", oauth.ErrAuthorizationServerDiscoveryFailed, canonical)
	}

	asm, err := n.servers.Discover(ctx, issuers[0])
	if err != nil {
		return nil, err
	}

	return &Discovery{
		Resource:            canonical,
		ProtectedResource:   prm,
		AuthorizationServer: asm,
	}, nil
}

// IsAuthenticationValid reports whether a non-expired token is held for
// resourceURL. It never touches the network.
func (n *Negotiator) IsAuthenticationValid(resourceURL string) bool {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return false
	}

	ctx := context.Background()
	key := n.tokenKey(ctx, canonical)
	if key == "" {
		return false
	}
	record, ok := n.tokens.Get(ctx, key)
	return ok && !n.tokens.IsExpired(record)
}

// HandleUnauthorized reacts to a 401 from resourceURL: the token that was
// rejected is invalidated and authentication is negotiated again using the
// response's WWW-Authenticate header.
func (n *Negotiator) HandleUnauthorized(ctx context.Context, resourceURL, wwwAuthenticate string) (*Result, error) {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return nil, err
	}

	if key := n.tokenKey(ctx, canonical); key != "" {
		n.tokens.Invalidate(ctx, key)
	}

	return n.AuthenticationHeaders(ctx, resourceURL, WithChallenge(wwwAuthenticate))
}

// Refresh refreshes the token held for resourceURL even if it is still valid.
func (n *Negotiator) Refresh(ctx context.Context, resourceURL string) (*oauth.TokenRecord, error) {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return nil, err
	}

	key := n.tokenKey(ctx, canonical)
	if key == "" {
		return nil, tokens.ErrNoToken
	}
	record, ok := n.tokens.Get(ctx, key)
	if !ok {
		return nil, tokens.ErrNoToken
	}

	n.setState(canonical, StateRefreshing)
	refreshed, err := n.tokens.Refresh(ctx, record)
	if err != nil {
		n.setState(canonical, StateUnauthenticated)
		if errors.Is(err, oauth.ErrReauthorizationRequired) {
			n.forgetToken(canonical)
		}
		return nil, err
	}
	n.setState(canonical, StateAuthenticated)
	return refreshed, nil
}

// Logout revokes and deletes every token held for resourceURL.
func (n *Negotiator) Logout(ctx context.Context, resourceURL string) error {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return err
	}

	var errs []error
	for _, key := range n.tokens.FindByResource(ctx, canonical) {
		if err := n.tokens.Revoke(ctx, key); err != nil && !errors.Is(err, tokens.ErrNoToken) {
			errs = append(errs, err)
		}
	}

	n.forgetToken(canonical)
	n.setState(canonical, StateUnauthenticated)
	return errors.Join(errs...)
}

// Cleanup abandons pending manual flows for resourceURL and forgets its
// cached protected resource metadata and negotiation state. A discovery
// still running for the resource finishes with ErrFlowAbandoned and
// registers no flow. Stored tokens are kept.
func (n *Negotiator) Cleanup(resourceURL string) {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return
	}

	n.mu.Lock()
	dropped := 0
	for state, flow := range n.pending {
		if flow.request.Resource == canonical {
			delete(n.pending, state)
			dropped++
		}
	}
	delete(n.states, canonical)
	n.generations[canonical]++
	n.mu.Unlock()

	n.resources.Invalidate(canonical)

	if dropped > 0 {
		n.logger.Debug("Abandoned pending authorization flows", "resource", canonical, "count", dropped)
	}
}

// scopeFor picks the scope to request: configured scopes, then the
// challenge's scope, then the scopes the resource advertises.
func (n *Negotiator) scopeFor(challenge map[string]string, prm *oauth.ProtectedResourceMetadata) string {
	if len(n.cfg.Scopes) > 0 {
		return strings.Join(n.cfg.Scopes, " ")
	}
	if scope := challenge["scope"]; scope != "" {
		return scope
	}
	return strings.Join(prm.ScopesSupported, " ")
}
