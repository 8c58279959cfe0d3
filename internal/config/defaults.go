package config

import (
	"time"

	"mcpauth/internal/negotiator"
	"mcpauth/internal/secretstore"
	"mcpauth/internal/transport"
)

const (
	// DefaultRedirectHost is the loopback host of the callback server.
	DefaultRedirectHost = "127.0.0.1"

	// DefaultRedirectPort is the port of the callback server.
	DefaultRedirectPort = 3000

	// DefaultCallbackPath is the path of the callback server.
	DefaultCallbackPath = "/callback"

	// DefaultMetadataCacheTTL bounds how long discovered metadata is reused.
	DefaultMetadataCacheTTL = time.Hour

	// DefaultStoreFile is the credentials location for the file and sqlite backends.
	DefaultStoreFile = "credentials"
)

// GetDefaultConfig returns the configuration used when no config.yaml exists.
func GetDefaultConfig() Config {
	return Config{
		Client: ClientConfig{
			Name:                negotiator.DefaultClientName,
			RedirectHost:        DefaultRedirectHost,
			RedirectPort:        DefaultRedirectPort,
			CallbackPath:        DefaultCallbackPath,
			FlowTimeout:         negotiator.DefaultFlowTimeout,
			RegistrationTimeout: negotiator.DefaultRegistrationTimeout,
		},
		Discovery: DiscoveryConfig{
			MetadataCacheTTL: DefaultMetadataCacheTTL,
			Timeout:          negotiator.DefaultDiscoveryTimeout,
		},
		Tokens: TokensConfig{
			Timeout: negotiator.DefaultTokenTimeout,
		},
		Transport: TransportConfig{
			HTTPTimeout: transport.DefaultHTTPTimeout,
			MaxAttempts: transport.DefaultMaxAttempts,
		},
		Store: StoreConfig{
			Backend: secretstore.BackendFile,
			Path:    DefaultStoreFile,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
