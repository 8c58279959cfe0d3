package negotiator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mcpauth/internal/registration"
	"mcpauth/internal/tokens"
	"mcpauth/pkg/oauth"
)

// clientIdentity is the client the flow authorizes as.
type clientIdentity struct {
	id         string
	secret     string
	authMethod string
}

// startFlow runs discovery, obtains a client identity and prepares a manual
// flow for canonical. Steps run strictly in order. gen is the Cleanup
// generation the flow belongs to; a flow overtaken by Cleanup is dropped.
func (n *Negotiator) startFlow(ctx context.Context, canonical, resourceURL string, challenge map[string]string, gen uint64) (*oauth.ManualFlowRequest, error) {
	if !n.advance(canonical, gen, StateDiscovering) {
		return nil, ErrFlowAbandoned
	}

	d, err := n.Discover(ctx, canonical, challenge)
	if err != nil {
		n.advance(canonical, gen, StateUnauthenticated)
		return nil, err
	}
	if n.generation(canonical) != gen {
		return nil, n.abandon(canonical)
	}
	asm := d.AuthorizationServer

	scope := n.scopeFor(challenge, d.ProtectedResource)

	client, err := n.clientIdentity(ctx, canonical, gen, asm, scope)
	if err != nil {
		n.advance(canonical, gen, StateUnauthenticated)
		return nil, err
	}

	pair, err := oauth.GeneratePKCE()
	if err != nil {
		n.advance(canonical, gen, StateUnauthenticated)
		return nil, fmt.Errorf("failed to generate PKCE: %w", err)
	}
	state, err := oauth.GenerateState()
	if err != nil {
		n.advance(canonical, gen, StateUnauthenticated)
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	oauthConfig := oauth2.Config{
		ClientID:    client.id,
		Endpoint:    asm.Endpoint(),
		RedirectURL: n.cfg.RedirectURI,
		Scopes:      strings.Fields(scope),
	}
	authURL := oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pair.Method),
		oauth2.SetAuthURLParam("resource", oauth.FormatResourceParameter(canonical)),
	)

	now := n.now()
	request := &oauth.ManualFlowRequest{
		FlowID:            uuid.NewString(),
		AuthorizationURL:  authURL,
		RedirectURI:       n.cfg.RedirectURI,
		ClientID:          client.id,
		Scope:             scope,
		Resource:          canonical,
		ResourceServerURL: resourceURL,
		Issuer:            asm.Issuer,
		State:             state,
		CreatedAt:         now,
		ExpiresAt:         now.Add(n.cfg.FlowTimeout),
	}

	n.mu.Lock()
	if n.generations[canonical] != gen {
		n.mu.Unlock()
		return nil, n.abandon(canonical)
	}
	n.purgeExpiredLocked()
	n.pending[state] = &pendingFlow{
		request:            request,
		verifier:           pair.Verifier,
		clientSecret:       client.secret,
		authMethod:         client.authMethod,
		tokenEndpoint:      asm.TokenEndpoint,
		revocationEndpoint: asm.RevocationEndpoint,
	}
	previous := n.states[canonical]
	n.states[canonical] = StateAwaitingUserAuthorization
	n.mu.Unlock()

	n.logTransition(canonical, previous, StateAwaitingUserAuthorization)

	n.logger.Info("SECURITY_AUDIT: authorization flow started",
		"event", "authorization_flow_started",
		"flow_id", request.FlowID,
		"resource", canonical,
		"issuer", asm.Issuer,
		"client_id", client.id,
	)

	return request, nil
}

// abandon discards the metadata a flow overtaken by Cleanup has cached.
func (n *Negotiator) abandon(canonical string) error {
	n.resources.Invalidate(canonical)
	n.logger.Debug("Dropped authorization flow overtaken by cleanup", "resource", canonical)
	return ErrFlowAbandoned
}

// clientIdentity registers a client when the server supports it and falls
// back to the configured client id when it does not or registration fails.
func (n *Negotiator) clientIdentity(ctx context.Context, canonical string, gen uint64, asm *oauth.AuthorizationServerMetadata, scope string) (*clientIdentity, error) {
	if asm.SupportsRegistration() {
		if !n.advance(canonical, gen, StateRegisteringClient) {
			return nil, ErrFlowAbandoned
		}

		req := registration.NewRequest(n.cfg.ClientName, []string{n.cfg.RedirectURI}, scope)
		reg, err := n.registrar.Register(ctx, asm.RegistrationEndpoint, req, nil)
		if err == nil {
			return &clientIdentity{
				id:         reg.ClientID,
				secret:     reg.ClientSecret,
				authMethod: authMethodFor(reg, asm),
			}, nil
		}
		if n.cfg.FallbackClientID == "" {
			return nil, err
		}
		n.logger.Warn("Client registration failed, using fallback client id",
			"issuer", asm.Issuer,
			"client_id", n.cfg.FallbackClientID,
			"error", err,
		)
	} else if n.cfg.FallbackClientID == "" {
		return nil, fmt.Errorf("%w: %s offers no registration endpoint", oauth.ErrNoClientIdentity, asm.Issuer)
	}

	return &clientIdentity{id: n.cfg.FallbackClientID, authMethod: oauth.AuthMethodNone}, nil
}

// authMethodFor picks how a registered client authenticates at the token endpoint.
func authMethodFor(reg *oauth.ClientRegistration, asm *oauth.AuthorizationServerMetadata) string {
	if reg.ClientSecret == "" {
		return oauth.AuthMethodNone
	}
	switch reg.TokenEndpointAuthMethod {
	case oauth.AuthMethodClientSecretBasic, oauth.AuthMethodClientSecretPost:
		return reg.TokenEndpointAuthMethod
	}
	if asm.SupportsAuthMethod(oauth.AuthMethodClientSecretBasic) {
		return oauth.AuthMethodClientSecretBasic
	}
	return oauth.AuthMethodClientSecretPost
}

// CompleteAuthorization redeems code for the manual flow described by req.
// Unknown, already completed or expired flows yield oauth.ErrUnknownFlow.
func (n *Negotiator) CompleteAuthorization(ctx context.Context, req *oauth.ManualFlowRequest, code string) error {
	if req == nil {
		return oauth.ErrUnknownFlow
	}

	flow, err := n.takeFlow(req.State)
	if err != nil {
		return err
	}
	if flow.request.FlowID != req.FlowID {
		return oauth.ErrUnknownFlow
	}
	return n.complete(ctx, flow, code)
}

// CompleteAuthorizationFromCallback redeems code for the flow identified by
// the state parameter returned on the redirect.
func (n *Negotiator) CompleteAuthorizationFromCallback(ctx context.Context, state, code string) error {
	flow, err := n.takeFlow(state)
	if err != nil {
		return err
	}
	return n.complete(ctx, flow, code)
}

// takeFlow removes and returns the pending flow for state.
func (n *Negotiator) takeFlow(state string) (*pendingFlow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.purgeExpiredLocked()

	flow, ok := n.pending[state]
	if !ok || state == "" {
		return nil, oauth.ErrUnknownFlow
	}
	delete(n.pending, state)
	return flow, nil
}

func (n *Negotiator) complete(ctx context.Context, flow *pendingFlow, code string) error {
	req := flow.request
	n.setState(req.Resource, StateExchangingCode)

	record, err := n.tokens.ExchangeCode(ctx, &tokens.ExchangeRequest{
		Code:               code,
		CodeVerifier:       flow.verifier,
		RedirectURI:        req.RedirectURI,
		ClientID:           req.ClientID,
		ClientSecret:       flow.clientSecret,
		AuthMethod:         flow.authMethod,
		Resource:           req.Resource,
		Scope:              req.Scope,
		Issuer:             req.Issuer,
		TokenEndpoint:      flow.tokenEndpoint,
		RevocationEndpoint: flow.revocationEndpoint,
	})
	if err != nil {
		n.setState(req.Resource, StateUnauthenticated)
		return fmt.Errorf("token exchange failed: %w", err)
	}

	n.mu.Lock()
	n.active[req.Resource] = record.Key()
	n.mu.Unlock()

	n.setState(req.Resource, StateAuthenticated)

	n.logger.Info("SECURITY_AUDIT: authorization flow completed",
		"event", "authorization_flow_completed",
		"flow_id", req.FlowID,
		"resource", req.Resource,
		"client_id", req.ClientID,
	)
	return nil
}

// purgeExpiredLocked drops flows past their deadline. Must be called with n.mu held.
func (n *Negotiator) purgeExpiredLocked() {
	now := n.now()
	for state, flow := range n.pending {
		if now.After(flow.request.ExpiresAt) {
			delete(n.pending, state)
			if n.states[flow.request.Resource] == StateAwaitingUserAuthorization {
				n.states[flow.request.Resource] = StateUnauthenticated
			}
		}
	}
}

// PendingFlows returns the manual flows still awaiting a code.
func (n *Negotiator) PendingFlows() []oauth.ManualFlowRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.purgeExpiredLocked()

	flows := make([]oauth.ManualFlowRequest, 0, len(n.pending))
	for _, flow := range n.pending {
		flows = append(flows, *flow.request)
	}
	return flows
}
