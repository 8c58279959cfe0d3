package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration structure for mcpauth.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ClientConfig describes the OAuth client mcpauth acts as.
type ClientConfig struct {
	Name                string        `yaml:"name,omitempty"`                // client_name sent during registration
	FallbackClientID    string        `yaml:"fallbackClientId,omitempty"`    // used when registration is unavailable or fails
	RedirectHost        string        `yaml:"redirectHost,omitempty"`        // loopback host of the callback server (default: 127.0.0.1)
	RedirectPort        int           `yaml:"redirectPort,omitempty"`        // port of the callback server (default: 3000)
	CallbackPath        string        `yaml:"callbackPath,omitempty"`        // path of the callback server (default: /callback)
	Scopes              []string      `yaml:"scopes,omitempty"`              // overrides challenge and advertised scopes
	FlowTimeout         time.Duration `yaml:"flowTimeout,omitempty"`         // how long a browser flow may stay pending
	RegistrationTimeout time.Duration `yaml:"registrationTimeout,omitempty"` // bound on one registration attempt
}

// RedirectURI returns the loopback redirect URI registered with authorization servers.
func (c ClientConfig) RedirectURI() string {
	return fmt.Sprintf("http://%s:%d%s", c.RedirectHost, c.RedirectPort, c.CallbackPath)
}

// DiscoveryConfig tunes metadata discovery.
type DiscoveryConfig struct {
	MetadataCacheTTL time.Duration `yaml:"metadataCacheTTL,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// TokensConfig tunes the token lifecycle.
type TokensConfig struct {
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	RefreshInterval time.Duration `yaml:"refreshInterval,omitempty"` // 0 disables background refresh
	ExpiryMargin    time.Duration `yaml:"expiryMargin,omitempty"`    // 0 uses the built-in margin
}

// TransportConfig tunes outgoing HTTP.
type TransportConfig struct {
	HTTPTimeout time.Duration `yaml:"httpTimeout,omitempty"`
	MaxAttempts uint          `yaml:"maxAttempts,omitempty"` // attempts for idempotent requests
	RateLimit   float64       `yaml:"rateLimit,omitempty"`   // requests per second per host, 0 disables
	RateBurst   int           `yaml:"rateBurst,omitempty"`
}

// StoreConfig selects where registrations and tokens are kept.
type StoreConfig struct {
	Backend string `yaml:"backend,omitempty"` // memory, file or sqlite
	Path    string `yaml:"path,omitempty"`    // relative paths resolve against the config directory
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text or json
}
