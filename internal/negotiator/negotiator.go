package negotiator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcpauth/internal/discovery"
	"mcpauth/internal/registration"
	"mcpauth/internal/secretstore"
	"mcpauth/internal/tokens"
	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

// Default values for Config fields left zero.
const (
	DefaultClientName          = "mcpauth"
	DefaultRedirectURI         = "http://127.0.0.1:3000/callback"
	DefaultFlowTimeout         = 10 * time.Minute
	DefaultDiscoveryTimeout    = 30 * time.Second
	DefaultRegistrationTimeout = 30 * time.Second
	DefaultTokenTimeout        = 30 * time.Second
)

// ErrFlowAbandoned is returned to callers whose discovery was still running
// when Cleanup was called for the resource.
var ErrFlowAbandoned = errors.New("authorization flow abandoned")

// Config configures a Negotiator.
type Config struct {
	// ClientName is sent as client_name during dynamic registration.
	ClientName string

	// RedirectURI is where the authorization server sends the user back.
	RedirectURI string

	// Scopes requested during authorization. When empty, the scope from the
	// resource server's challenge is used, then its advertised scopes.
	Scopes []string

	// FallbackClientID is used when the authorization server has no
	// registration endpoint or registration fails.
	FallbackClientID string

	// MetadataCacheTTL bounds how long metadata documents are reused.
	MetadataCacheTTL time.Duration

	// FlowTimeout is how long a manual flow may stay pending.
	FlowTimeout time.Duration

	DiscoveryTimeout    time.Duration
	RegistrationTimeout time.Duration
	TokenTimeout        time.Duration

	// RefreshInterval enables the background refresher when positive.
	RefreshInterval time.Duration

	// ExpiryMargin treats tokens as expired this long before their expiry.
	// Zero uses oauth.DefaultExpiryMargin.
	ExpiryMargin time.Duration
}

func (c *Config) setDefaults() {
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.RedirectURI == "" {
		c.RedirectURI = DefaultRedirectURI
	}
	if c.FlowTimeout <= 0 {
		c.FlowTimeout = DefaultFlowTimeout
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = DefaultTokenTimeout
	}
	if c.MetadataCacheTTL <= 0 {
		c.MetadataCacheTTL = discovery.DefaultMetadataCacheTTL
	}
}

// Result is the outcome of AuthenticationHeaders: either headers ready to
// send, or a manual flow the caller has to drive through a browser.
type Result struct {
	Headers    http.Header
	ManualFlow *oauth.ManualFlowRequest
}

// ManualFlowRequired reports whether the caller must complete a browser flow.
func (r *Result) ManualFlowRequired() bool {
	return r.ManualFlow != nil
}

// pendingFlow is a manual flow awaiting its authorization code. The PKCE
// verifier never leaves it.
type pendingFlow struct {
	request  *oauth.ManualFlowRequest
	verifier string

	clientSecret       string
	authMethod         string
	tokenEndpoint      string
	revocationEndpoint string
}

// Negotiator discovers how a protected resource wants to be authorized and
// obtains, caches and refreshes credentials for it. It is safe for
// concurrent use.
type Negotiator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	store  secretstore.Store

	resources *discovery.ResourceClient
	servers   *discovery.ServerClient
	registrar *registration.Client
	tokens    *tokens.Manager
	refresher *tokens.Refresher

	mu      sync.Mutex
	states  map[string]State
	pending map[string]*pendingFlow // by state parameter
	active  map[string]string       // canonical resource -> token key

	// generations is bumped by Cleanup so discoveries started before it
	// cannot register a flow afterwards
	generations map[string]uint64

	// discoveries collapses concurrent discoveries for one resource
	discoveries singleflight.Group
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithStore persists registrations and tokens.
func WithStore(store secretstore.Store) Option {
	return func(n *Negotiator) {
		n.store = store
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// WithClock sets the time source for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) {
		n.now = now
	}
}

// New creates a Negotiator that performs all HTTP exchanges through fetcher.
func New(cfg Config, fetcher transport.Fetcher, opts ...Option) *Negotiator {
	cfg.setDefaults()

	n := &Negotiator{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		states:  make(map[string]State),
		pending: make(map[string]*pendingFlow),
		active:  make(map[string]string),

		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(n)
	}

	discoveryOpts := []discovery.Option{
		discovery.WithLogger(n.logger),
		discovery.WithMetadataCacheTTL(cfg.MetadataCacheTTL),
		discovery.WithTimeout(cfg.DiscoveryTimeout),
		discovery.WithClock(n.now),
	}
	n.resources = discovery.NewResourceClient(fetcher, discoveryOpts...)
	n.servers = discovery.NewServerClient(fetcher, discoveryOpts...)

	registrationOpts := []registration.Option{
		registration.WithLogger(n.logger),
		registration.WithTimeout(cfg.RegistrationTimeout),
		registration.WithClock(n.now),
	}
	tokenOpts := []tokens.Option{
		tokens.WithLogger(n.logger),
		tokens.WithTimeout(cfg.TokenTimeout),
		tokens.WithClock(n.now),
	}
	if cfg.ExpiryMargin > 0 {
		tokenOpts = append(tokenOpts, tokens.WithExpiryMargin(cfg.ExpiryMargin))
	}
	if n.store != nil {
		registrationOpts = append(registrationOpts, registration.WithStore(n.store))
		tokenOpts = append(tokenOpts, tokens.WithStore(n.store))
	}
	n.registrar = registration.NewClient(fetcher, registrationOpts...)
	n.tokens = tokens.NewManager(fetcher, tokenOpts...)

	if cfg.RefreshInterval > 0 {
		n.refresher = tokens.NewRefresher(n.tokens, cfg.RefreshInterval, oauth.TokenRefreshThreshold)
		n.refresher.Start(context.Background())
	}

	return n
}

// Tokens exposes the token manager, for listing and revoking credentials.
func (n *Negotiator) Tokens() *tokens.Manager {
	return n.tokens
}

// State returns the negotiation state for resourceURL.
func (n *Negotiator) State(resourceURL string) State {
	canonical, err := oauth.CanonicalizeResource(resourceURL)
	if err != nil {
		return StateUnauthenticated
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[canonical]
}

func (n *Negotiator) setState(canonical string, state State) {
	n.mu.Lock()
	previous := n.states[canonical]
	n.states[canonical] = state
	n.mu.Unlock()

	n.logTransition(canonical, previous, state)
}

// generation returns the Cleanup generation of canonical.
func (n *Negotiator) generation(canonical string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generations[canonical]
}

// advance moves canonical to state unless Cleanup ran after the flow of
// generation gen started. It reports whether the flow is still current.
func (n *Negotiator) advance(canonical string, gen uint64, state State) bool {
	n.mu.Lock()
	if n.generations[canonical] != gen {
		n.mu.Unlock()
		return false
	}
	previous := n.states[canonical]
	n.states[canonical] = state
	n.mu.Unlock()

	n.logTransition(canonical, previous, state)
	return true
}

func (n *Negotiator) logTransition(canonical string, previous, state State) {
	if previous != state {
		n.logger.Debug("Negotiation state changed",
			"resource", canonical,
			"from", previous.String(),
			"to", state.String(),
		)
	}
}

// Close stops the background refresher, if any. Pending flows are dropped.
func (n *Negotiator) Close() {
	if n.refresher != nil {
		n.refresher.Stop()
	}

	n.mu.Lock()
	n.pending = make(map[string]*pendingFlow)
	n.mu.Unlock()
}
