package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

const protectedResourceWellKnown = "/.well-known/oauth-protected-resource"

// ResourceClient discovers RFC 9728 protected resource metadata.
type ResourceClient struct {
	fetcher transport.Fetcher
	opts    options
	cache   *ttlCache[*oauth.ProtectedResourceMetadata]
}

// NewResourceClient creates a new protected resource metadata client.
func NewResourceClient(fetcher transport.Fetcher, opts ...Option) *ResourceClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &ResourceClient{
		fetcher: fetcher,
		opts:    o,
		cache:   newTTLCache[*oauth.ProtectedResourceMetadata](o.ttl, o.now),
	}
}

// Discover returns the protected resource metadata for resourceServerURL.
//
// If challengeParams carries resource_metadata (from a 401 WWW-Authenticate
// header), exactly that URL is fetched. Otherwise the well-known candidates
// from CandidateURLs are probed in order and the first 200 response with a
// valid document wins. A transport failure aborts discovery; an unusable
// candidate moves on to the next one.
func (c *ResourceClient) Discover(ctx context.Context, resourceServerURL string, challengeParams map[string]string) (*oauth.ProtectedResourceMetadata, error) {
	key, err := oauth.CanonicalizeResource(resourceServerURL)
	if err != nil {
		return nil, err
	}

	explicit := challengeParams["resource_metadata"]

	if entry, ok := c.cache.get(key); ok && (explicit == "" || entry.sourceURL == explicit) {
		return entry.value, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	var candidates []string
	if explicit != "" {
		candidates = []string{explicit}
	} else {
		candidates, err = CandidateURLs(key)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		var md oauth.ProtectedResourceMetadata
		err := fetchDocument(ctx, c.fetcher, candidate, &md)
		if err == nil {
			if !oauth.ResourceMatches(md.Resource, key) {
				c.opts.logger.Warn("Protected resource metadata names a different resource",
					"resource", key,
					"metadata_resource", md.Resource,
					"metadata_url", candidate)
			}
			c.cache.put(key, candidate, &md)
			c.opts.logger.Debug("Discovered protected resource metadata",
				"resource", key,
				"metadata_url", candidate,
				"authorization_servers", md.Issuers())
			return &md, nil
		}

		var ce *candidateError
		if !errors.As(err, &ce) {
			return nil, fmt.Errorf("fetching protected resource metadata from %s: %w", candidate, err)
		}

		c.opts.logger.Debug("Protected resource metadata candidate failed, trying next",
			"resource", key,
			"metadata_url", candidate,
			"error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("%w for %s: %v", oauth.ErrProtectedResourceMetadataNotFound, key, lastErr)
}

// Invalidate drops the cached document for resourceServerURL.
func (c *ResourceClient) Invalidate(resourceServerURL string) {
	if key, err := oauth.CanonicalizeResource(resourceServerURL); err == nil {
		c.cache.delete(key)
	}
}

// ClearCache drops every cached document.
func (c *ResourceClient) ClearCache() {
	c.cache.clear()
}

// CandidateURLs returns the well-known URLs probed for a resource server, in
// order: the path-specific document, then the origin-level document. For a
// resource without a path both are the same URL and it is listed once.
func CandidateURLs(resourceServerURL string) ([]string, error) {
	canonical, err := oauth.CanonicalizeResource(resourceServerURL)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", oauth.ErrInvalidResourceURI, err)
	}

	origin := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.EscapedPath(), "/")

	if path == "" {
		return []string{origin + protectedResourceWellKnown}, nil
	}
	return []string{
		origin + protectedResourceWellKnown + path,
		origin + protectedResourceWellKnown,
	}, nil
}
