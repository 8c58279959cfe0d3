package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcpauth/internal/flight"
	"mcpauth/internal/secretstore"
	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

// DefaultTimeout bounds one registration request.
const DefaultTimeout = 30 * time.Second

// Client registers OAuth clients at authorization servers (RFC 7591) and
// remembers the result per registration key.
type Client struct {
	fetcher transport.Fetcher
	store   secretstore.Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu         sync.RWMutex
	registered map[string]*oauth.ClientRegistration

	// group deduplicates concurrent registrations for one key
	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithStore persists registrations so they survive restarts.
func WithStore(store secretstore.Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout bounds each registration request, independently of the caller's context.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithClock sets the time source used for client secret expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a registration client.
func NewClient(fetcher transport.Fetcher, opts ...Option) *Client {
	c := &Client{
		fetcher:    fetcher,
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
		now:        time.Now,
		registered: make(map[string]*oauth.ClientRegistration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRequest builds a public-client request for the authorization code grant
// with refresh tokens.
func NewRequest(clientName string, redirectURIs []string, scope string) *oauth.RegistrationRequest {
	return &oauth.RegistrationRequest{
		RedirectURIs:            redirectURIs,
		ClientName:              clientName,
		Scope:                   scope,
		GrantTypes:              []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes:           []string{oauth.ResponseTypeCode},
		TokenEndpointAuthMethod: oauth.AuthMethodNone,
	}
}

// Key identifies a registration by endpoint, redirect URIs (order-insensitive)
// and scope.
func Key(endpoint string, req *oauth.RegistrationRequest) string {
	redirects := append([]string(nil), req.RedirectURIs...)
	sort.Strings(redirects)
	return "client:" + endpoint + "|" + strings.Join(redirects, ",") + "|" + req.Scope
}

// Lookup returns a previously obtained registration for the same key, from
// memory or the store. Registrations whose secret has expired are ignored.
func (c *Client) Lookup(ctx context.Context, endpoint string, req *oauth.RegistrationRequest) (*oauth.ClientRegistration, bool) {
	key := Key(endpoint, req)

	c.mu.RLock()
	reg, ok := c.registered[key]
	c.mu.RUnlock()
	if ok && !reg.SecretExpired(c.now()) {
		return cloneRegistration(reg), true
	}

	if c.store == nil {
		return nil, false
	}

	cred, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, secretstore.ErrNotFound) {
			c.logger.Warn("Failed to read stored client registration", "key", key, "error", err)
		}
		return nil, false
	}
	if cred.Registration == nil || cred.Registration.ClientID == "" || cred.Registration.SecretExpired(c.now()) {
		return nil, false
	}

	c.mu.Lock()
	c.registered[key] = cred.Registration
	c.mu.Unlock()

	return cloneRegistration(cred.Registration), true
}

// Register obtains a client identity from endpoint.
//
// A registration already known for the same key is returned without a
// request. Otherwise the request is POSTed exactly once; 200 and 201 are
// accepted and a response without client_id is rejected. A non-2xx status
// yields an *oauth.RegistrationError, which matches oauth.ErrRegistrationFailed.
// header carries extra request headers; req.InitialAccessToken, when set,
// is sent as a bearer token.
func (c *Client) Register(ctx context.Context, endpoint string, req *oauth.RegistrationRequest, header http.Header) (*oauth.ClientRegistration, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: no registration endpoint", oauth.ErrRegistrationFailed)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if reg, ok := c.Lookup(ctx, endpoint, req); ok {
		return reg, nil
	}

	key := Key(endpoint, req)
	reg, _, err := flight.Do(ctx, &c.group, key, c.timeout, func(ctx context.Context) (*oauth.ClientRegistration, error) {
		// Double-check after winning the flight
		c.mu.RLock()
		existing, ok := c.registered[key]
		c.mu.RUnlock()
		if ok && !existing.SecretExpired(c.now()) {
			return existing, nil
		}
		return c.doRegister(ctx, key, endpoint, req, header)
	})
	if err != nil {
		return nil, err
	}
	return cloneRegistration(reg), nil
}

func (c *Client) doRegister(ctx context.Context, key, endpoint string, req *oauth.RegistrationRequest, header http.Header) (*oauth.ClientRegistration, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	h := make(http.Header)
	for name, values := range header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if req.InitialAccessToken != "" {
		h.Set("Authorization", "Bearer "+req.InitialAccessToken)
	}

	c.logger.Debug("Registering OAuth client", "endpoint", endpoint, "redirect_uris", req.RedirectURIs)

	resp, err := c.fetcher.Fetch(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: h,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		regErr := &oauth.RegistrationError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		var errResp oauth.ErrorResponse
		if json.Unmarshal(resp.Body, &errResp) == nil {
			regErr.Code = errResp.Error
			regErr.Description = errResp.ErrorDescription
		}
		c.logger.Warn("OAuth client registration rejected",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"error", regErr.Code,
		)
		return nil, regErr
	}

	var reg oauth.ClientRegistration
	if err := json.Unmarshal(resp.Body, &reg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse registration response: %v", oauth.ErrRegistrationFailed, err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("%w: registration response missing client_id", oauth.ErrRegistrationFailed)
	}
	reg.RegistrationEndpoint = endpoint
	if len(reg.RedirectURIs) == 0 {
		reg.RedirectURIs = req.RedirectURIs
	}
	if reg.TokenEndpointAuthMethod == "" {
		reg.TokenEndpointAuthMethod = req.TokenEndpointAuthMethod
	}

	c.mu.Lock()
	c.registered[key] = &reg
	c.mu.Unlock()

	// SECURITY: Never log the client secret
	c.logger.Info("SECURITY_AUDIT: OAuth client registered",
		"event", "client_registered",
		"endpoint", endpoint,
		"client_id", reg.ClientID,
		"confidential", reg.ClientSecret != "",
	)

	if c.store != nil {
		if err := c.store.Put(ctx, key, &oauth.StoredCredential{Registration: &reg, UpdatedAt: c.now()}); err != nil {
			// The registration is still usable for this process
			c.logger.Warn("Failed to persist client registration", "key", key, "error", err)
		}
	}

	return &reg, nil
}

// Forget drops a remembered registration, for example after the
// authorization server stopped recognizing the client.
func (c *Client) Forget(ctx context.Context, endpoint string, req *oauth.RegistrationRequest) error {
	key := Key(endpoint, req)

	c.mu.Lock()
	delete(c.registered, key)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, key)
}

func cloneRegistration(reg *oauth.ClientRegistration) *oauth.ClientRegistration {
	c := *reg
	c.RedirectURIs = append([]string(nil), reg.RedirectURIs...)
	c.GrantTypes = append([]string(nil), reg.GrantTypes...)
	c.ResponseTypes = append([]string(nil), reg.ResponseTypes...)
	return &c
}
