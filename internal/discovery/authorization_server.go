package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"mcpauth/internal/flight"
	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

const (
	oauthServerWellKnown = "/.well-known/oauth-authorization-server"
	oidcWellKnown        = "/.well-known/openid-configuration"
)

// ServerClient discovers authorization server metadata (RFC 8414, falling
// back to OpenID Connect discovery) and refuses servers without PKCE S256.
type ServerClient struct {
	fetcher transport.Fetcher
	opts    options
	cache   *ttlCache[*oauth.AuthorizationServerMetadata]

	// group deduplicates concurrent fetches for one issuer
	group singleflight.Group
}

// NewServerClient creates a new authorization server metadata client.
func NewServerClient(fetcher transport.Fetcher, opts ...Option) *ServerClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &ServerClient{
		fetcher: fetcher,
		opts:    o,
		cache:   newTTLCache[*oauth.AuthorizationServerMetadata](o.ttl, o.now),
	}
}

type discoverSettings struct {
	forceRefresh bool
}

// DiscoverOption tunes a single Discover call.
type DiscoverOption func(*discoverSettings)

// WithForceRefresh bypasses the cache and fetches the metadata again.
func WithForceRefresh() DiscoverOption {
	return func(s *discoverSettings) {
		s.forceRefresh = true
	}
}

// Discover fetches the metadata for issuer.
//
// It tries /.well-known/oauth-authorization-server first, then
// /.well-known/openid-configuration. For issuers with a path component the
// RFC 8414 path-inserted URL is tried before both. The first valid document
// decides: if it lacks S256 in code_challenge_methods_supported,
// oauth.ErrPKCENotSupported is returned and no other candidate is tried.
//
// Results are cached per issuer; concurrent calls for one issuer share a
// single fetch.
func (c *ServerClient) Discover(ctx context.Context, issuer string, opts ...DiscoverOption) (*oauth.AuthorizationServerMetadata, error) {
	var settings discoverSettings
	for _, opt := range opts {
		opt(&settings)
	}

	issuer = strings.TrimSuffix(issuer, "/")
	if issuer == "" {
		return nil, fmt.Errorf("%w: empty issuer", oauth.ErrAuthorizationServerDiscoveryFailed)
	}

	if !settings.forceRefresh {
		if entry, ok := c.cache.get(issuer); ok {
			return entry.value, nil
		}
	}

	key := issuer
	if settings.forceRefresh {
		key = "force:" + issuer
	}

	md, _, err := flight.Do(ctx, &c.group, key, c.opts.timeout, func(ctx context.Context) (*oauth.AuthorizationServerMetadata, error) {
		if !settings.forceRefresh {
			// Double-check cache after winning the flight
			if entry, ok := c.cache.get(issuer); ok {
				return entry.value, nil
			}
		}
		return c.doDiscover(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

func (c *ServerClient) doDiscover(ctx context.Context, issuer string) (*oauth.AuthorizationServerMetadata, error) {
	candidates, err := ServerCandidateURLs(issuer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range candidates {
		var md oauth.AuthorizationServerMetadata
		err := fetchDocument(ctx, c.fetcher, candidate, &md)
		if err == nil {
			if !oauth.MethodsSupported(&md) {
				c.opts.logger.Warn("Authorization server rejected: PKCE S256 not advertised",
					"issuer", issuer,
					"metadata_url", candidate,
					"code_challenge_methods_supported", md.CodeChallengeMethodsSupported)
				return nil, fmt.Errorf("%w: %s", oauth.ErrPKCENotSupported, issuer)
			}
			if strings.TrimSuffix(md.Issuer, "/") != issuer {
				c.opts.logger.Warn("Authorization server metadata issuer differs from requested issuer",
					"issuer", issuer,
					"metadata_issuer", md.Issuer)
			}

			c.cache.put(issuer, candidate, &md)
			c.opts.logger.Debug("Cached authorization server metadata",
				"issuer", issuer,
				"authorization_endpoint", md.AuthorizationEndpoint,
				"token_endpoint", md.TokenEndpoint,
				"registration_endpoint", md.RegistrationEndpoint)
			return &md, nil
		}

		var ce *candidateError
		if !errors.As(err, &ce) {
			return nil, fmt.Errorf("fetching authorization server metadata from %s: %w", candidate, err)
		}

		c.opts.logger.Debug("Authorization server metadata candidate failed, trying next",
			"issuer", issuer,
			"metadata_url", candidate,
			"error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("%w for %s: %v", oauth.ErrAuthorizationServerDiscoveryFailed, issuer, lastErr)
}

// Invalidate drops the cached metadata for issuer.
func (c *ServerClient) Invalidate(issuer string) {
	c.cache.delete(strings.TrimSuffix(issuer, "/"))
}

// ClearCache drops every cached document.
func (c *ServerClient) ClearCache() {
	c.cache.clear()
}

// ServerCandidateURLs returns the metadata URLs probed for issuer, in order.
func ServerCandidateURLs(issuer string) ([]string, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	u, err := url.Parse(issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid issuer %q", oauth.ErrAuthorizationServerDiscoveryFailed, issuer)
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")
	if path == "" {
		return []string{
			issuer + oauthServerWellKnown,
			issuer + oidcWellKnown,
		}, nil
	}

	origin := u.Scheme + "://" + u.Host
	return []string{
		origin + oauthServerWellKnown + path,
		issuer + oauthServerWellKnown,
		issuer + oidcWellKnown,
	}, nil
}
