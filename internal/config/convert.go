package config

import (
	"net/http"

	"mcpauth/internal/negotiator"
	"mcpauth/internal/secretstore"
	"mcpauth/internal/transport"
)

// NegotiatorConfig maps the configuration onto negotiator.Config.
func (c Config) NegotiatorConfig() negotiator.Config {
	return negotiator.Config{
		ClientName:          c.Client.Name,
		RedirectURI:         c.Client.RedirectURI(),
		Scopes:              c.Client.Scopes,
		FallbackClientID:    c.Client.FallbackClientID,
		MetadataCacheTTL:    c.Discovery.MetadataCacheTTL,
		FlowTimeout:         c.Client.FlowTimeout,
		DiscoveryTimeout:    c.Discovery.Timeout,
		RegistrationTimeout: c.Client.RegistrationTimeout,
		TokenTimeout:        c.Tokens.Timeout,
		RefreshInterval:     c.Tokens.RefreshInterval,
		ExpiryMargin:        c.Tokens.ExpiryMargin,
	}
}

// SecretStoreConfig maps the configuration onto secretstore.Config.
func (c Config) SecretStoreConfig() secretstore.Config {
	return secretstore.Config{
		Backend: c.Store.Backend,
		Path:    c.Store.Path,
	}
}

// FetcherOptions returns the transport options for the configured HTTP behaviour.
func (c Config) FetcherOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithHTTPClient(&http.Client{Timeout: c.Transport.HTTPTimeout}),
		transport.WithMaxAttempts(c.Transport.MaxAttempts),
	}
	if c.Transport.RateLimit > 0 {
		opts = append(opts, transport.WithRateLimit(c.Transport.RateLimit, c.Transport.RateBurst))
	}
	return opts
}
