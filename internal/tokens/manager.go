package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mcpauth/internal/flight"
	"mcpauth/internal/secretstore"
	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

// DefaultTimeout bounds one token endpoint exchange.
const DefaultTimeout = 30 * time.Second

// ErrNoToken is returned when no token is held for a key.
var ErrNoToken = errors.New("no token for key")

// ExchangeRequest carries everything needed to redeem an authorization code.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string

	ClientID     string
	ClientSecret string
	AuthMethod   string

	// Resource is the canonical resource URI the token is requested for.
	Resource string
	Scope    string

	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string
}

// Manager owns token records: it redeems codes, refreshes tokens with
// single-flight deduplication and persists records to a secret store.
//
// Records are replaced whole under the mutex and callers only ever receive
// copies, so a reader never observes a half-updated record.
type Manager struct {
	fetcher transport.Fetcher
	store   secretstore.Store
	logger  *slog.Logger
	timeout time.Duration
	margin  time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]*oauth.TokenRecord

	// writeMu serializes writes to memory and the store, so a refresh
	// finishing after Delete cannot bring the record back
	writeMu sync.Mutex

	// group deduplicates concurrent refreshes for one key
	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists token records.
func WithStore(store secretstore.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTimeout bounds each token endpoint exchange.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithExpiryMargin sets how long before expiry a token is treated as expired.
func WithExpiryMargin(margin time.Duration) Option {
	return func(m *Manager) {
		if margin >= 0 {
			m.margin = margin
		}
	}
}

// WithClock sets the time source for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a token manager.
func NewManager(fetcher transport.Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher: fetcher,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		margin:  oauth.DefaultExpiryMargin,
		now:     time.Now,
		records: make(map[string]*oauth.TokenRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExchangeCode redeems an authorization code (RFC 6749 section 4.1.3 with the
// PKCE verifier and RFC 8707 resource) and stores the resulting record.
func (m *Manager) ExchangeCode(ctx context.Context, req *ExchangeRequest) (*oauth.TokenRecord, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("authorization code is empty")
	}
	if req.TokenEndpoint == "" {
		return nil, fmt.Errorf("token endpoint is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {req.Code},
		"redirect_uri":  {req.RedirectURI},
		"code_verifier": {req.CodeVerifier},
	}
	if req.Resource != "" {
		form.Set("resource", oauth.FormatResourceParameter(req.Resource))
	}

	client := clientCredentials{ClientID: req.ClientID, ClientSecret: req.ClientSecret, AuthMethod: req.AuthMethod}
	resp, err := requestToken(ctx, m.fetcher, req.TokenEndpoint, form, client)
	if err != nil {
		m.logger.Warn("OAuth code exchange failed",
			"resource", req.Resource,
			"issuer", req.Issuer,
			"error", err.Error(),
		)
		return nil, err
	}

	now := m.now()
	record := &oauth.TokenRecord{
		AccessToken:        resp.AccessToken,
		TokenType:          resp.TokenType,
		RefreshToken:       resp.RefreshToken,
		Scope:              resp.Scope,
		IDToken:            resp.IDToken,
		Resource:           req.Resource,
		ClientID:           req.ClientID,
		ClientSecret:       req.ClientSecret,
		AuthMethod:         req.AuthMethod,
		Issuer:             req.Issuer,
		TokenEndpoint:      req.TokenEndpoint,
		RevocationEndpoint: req.RevocationEndpoint,
		ObtainedAt:         now,
	}
	if record.Scope == "" {
		record.Scope = req.Scope
	}
	if resp.ExpiresIn > 0 {
		record.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	m.save(ctx, record)
	return record.Clone(), nil
}

// Refresh redeems record's refresh token. The previous refresh token is kept
// when the server does not rotate it.
//
// When the authorization server rejects the refresh the record is dropped
// and the error matches oauth.ErrReauthorizationRequired. Transport failures
// leave the record in place.
func (m *Manager) Refresh(ctx context.Context, record *oauth.TokenRecord) (*oauth.TokenRecord, error) {
	if !record.CanRefresh() {
		return nil, fmt.Errorf("%w: token has no refresh token", oauth.ErrReauthorizationRequired)
	}

	form := url.Values{
		"grant_type":    {oauth.GrantTypeRefreshToken},
		"refresh_token": {record.RefreshToken},
	}
	if record.Resource != "" {
		form.Set("resource", oauth.FormatResourceParameter(record.Resource))
	}

	client := clientCredentials{ClientID: record.ClientID, ClientSecret: record.ClientSecret, AuthMethod: record.AuthMethod}
	resp, err := requestToken(ctx, m.fetcher, record.TokenEndpoint, form, client)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			m.logger.Info("SECURITY_AUDIT: refresh token rejected",
				"event", "token_refresh_rejected",
				"resource", record.Resource,
				"client_id", record.ClientID,
				"error", retrieveErr.ErrorCode,
			)
			m.drop(ctx, record.Key())
			return nil, fmt.Errorf("%w: %w", oauth.ErrReauthorizationRequired, err)
		}
		m.logger.Warn("Token refresh failed", "resource", record.Resource, "error", err.Error())
		return nil, err
	}

	now := m.now()
	refreshed := record.Clone()
	refreshed.AccessToken = resp.AccessToken
	refreshed.TokenType = resp.TokenType
	refreshed.ObtainedAt = now
	refreshed.ExpiresAt = time.Time{}
	if resp.ExpiresIn > 0 {
		refreshed.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.RefreshToken != "" {
		refreshed.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		refreshed.Scope = resp.Scope
	}
	if resp.IDToken != "" {
		refreshed.IDToken = resp.IDToken
	}

	if !m.replace(ctx, refreshed) {
		m.logger.Debug("Discarded refresh of deleted token", "resource", record.Resource, "client_id", record.ClientID)
		return nil, fmt.Errorf("%w: deleted during refresh", ErrNoToken)
	}
	return refreshed.Clone(), nil
}

// CurrentOrRefreshed returns the record for key if it is still valid,
// refreshing it otherwise. Concurrent callers for one key share a single
// refresh and all receive the same record; a caller giving up does not
// cancel the refresh for the others.
func (m *Manager) CurrentOrRefreshed(ctx context.Context, key string) (*oauth.TokenRecord, error) {
	return m.refreshWithin(ctx, key, m.margin)
}

// refreshWithin refreshes the record for key when it expires within margin.
func (m *Manager) refreshWithin(ctx context.Context, key string, margin time.Duration) (*oauth.TokenRecord, error) {
	record, ok := m.Get(ctx, key)
	if !ok {
		return nil, ErrNoToken
	}
	if !record.IsExpiredWithMargin(m.now(), margin) {
		return record, nil
	}
	if !record.CanRefresh() {
		return nil, fmt.Errorf("%w: token expired and cannot be refreshed", oauth.ErrReauthorizationRequired)
	}

	refreshed, _, err := flight.Do(ctx, &m.group, key, m.timeout, func(ctx context.Context) (*oauth.TokenRecord, error) {
		// Double-check after winning the flight: another caller may have
		// refreshed already.
		m.mu.RLock()
		current, ok := m.records[key]
		m.mu.RUnlock()
		if !ok {
			return nil, ErrNoToken
		}
		if !current.IsExpiredWithMargin(m.now(), margin) {
			return current.Clone(), nil
		}
		return m.Refresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return refreshed.Clone(), nil
}

// Get returns a copy of the record for key, loading it from the store when
// it is not in memory.
func (m *Manager) Get(ctx context.Context, key string) (*oauth.TokenRecord, bool) {
	m.mu.RLock()
	record, ok := m.records[key]
	m.mu.RUnlock()
	if ok {
		return record.Clone(), true
	}

	if m.store == nil {
		return nil, false
	}
	cred, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, secretstore.ErrNotFound) {
			m.logger.Warn("Failed to read stored token", "key", key, "error", err)
		}
		return nil, false
	}
	if cred.Token == nil || cred.Token.AccessToken == "" {
		return nil, false
	}

	m.mu.Lock()
	if existing, ok := m.records[key]; ok {
		m.mu.Unlock()
		return existing.Clone(), true
	}
	m.records[key] = cred.Token
	m.mu.Unlock()

	return cred.Token.Clone(), true
}

// FindByResource returns the keys of records held for a canonical resource.
func (m *Manager) FindByResource(ctx context.Context, resource string) []string {
	prefix := oauth.TokenKey(resource, "")
	var keys []string
	for _, key := range m.Keys(ctx) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Keys returns the keys of all known token records in sorted order.
func (m *Manager) Keys(ctx context.Context) []string {
	seen := make(map[string]struct{})

	m.mu.RLock()
	for key := range m.records {
		seen[key] = struct{}{}
	}
	m.mu.RUnlock()

	if m.store != nil {
		stored, err := m.store.List(ctx)
		if err != nil {
			m.logger.Warn("Failed to list stored tokens", "error", err)
		}
		for _, key := range stored {
			if strings.HasPrefix(key, "token:") {
				seen[key] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Invalidate marks the record for key as expired, so the next
// CurrentOrRefreshed call refreshes it. It is used when a resource server
// rejected the access token.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	record, ok := m.Get(ctx, key)
	if !ok {
		return
	}
	record.ExpiresAt = m.now().Add(-time.Second)
	if !m.replace(ctx, record) {
		return
	}
	m.logger.Debug("Token invalidated", "resource", record.Resource, "client_id", record.ClientID)
}

// IsExpired reports whether record is expired or expires within the
// manager's expiry margin.
func (m *Manager) IsExpired(record *oauth.TokenRecord) bool {
	return record.IsExpiredWithMargin(m.now(), m.margin)
}

// Delete drops the record for key from memory and the store.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.drop(ctx, key)
}

// ClearCache drops the in-memory records so the next lookups read the store
// again. It is called when another process changed the store.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.records = make(map[string]*oauth.TokenRecord)
	m.mu.Unlock()
}

// Revoke revokes the record's tokens at the authorization server (RFC 7009)
// when a revocation endpoint is known, then deletes the record regardless
// of the outcome.
func (m *Manager) Revoke(ctx context.Context, key string) error {
	record, ok := m.Get(ctx, key)
	if !ok {
		return ErrNoToken
	}
	defer m.drop(ctx, key)

	if record.RevocationEndpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var errs []error
	if record.RefreshToken != "" {
		errs = append(errs, m.revokeToken(ctx, record, record.RefreshToken, "refresh_token"))
	}
	errs = append(errs, m.revokeToken(ctx, record, record.AccessToken, "access_token"))
	return errors.Join(errs...)
}

func (m *Manager) revokeToken(ctx context.Context, record *oauth.TokenRecord, token, hint string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
	}
	client := clientCredentials{ClientID: record.ClientID, ClientSecret: record.ClientSecret, AuthMethod: record.AuthMethod}
	resp, err := postForm(ctx, m.fetcher, record.RevocationEndpoint, form, client)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return tokenError(record.RevocationEndpoint, resp)
	}

	m.logger.Info("SECURITY_AUDIT: token revoked",
		"event", "token_revoked",
		"resource", record.Resource,
		"client_id", record.ClientID,
		"token_type_hint", hint,
	)
	return nil
}

func (m *Manager) save(ctx context.Context, record *oauth.TokenRecord) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.write(ctx, record)
}

// replace saves record only while a record with its key is still held.
func (m *Manager) replace(ctx context.Context, record *oauth.TokenRecord) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	key := record.Key()
	m.mu.RLock()
	_, held := m.records[key]
	m.mu.RUnlock()
	if !held && m.store != nil {
		_, err := m.store.Get(ctx, key)
		held = err == nil
	}
	if !held {
		return false
	}

	m.write(ctx, record)
	return true
}

// write stores record in memory and the store. Must be called with writeMu held.
func (m *Manager) write(ctx context.Context, record *oauth.TokenRecord) {
	key := record.Key()

	m.mu.Lock()
	m.records[key] = record.Clone()
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	cred := &oauth.StoredCredential{Token: record.Clone(), UpdatedAt: m.now()}
	if err := m.store.Put(ctx, key, cred); err != nil {
		// Log warning but continue - token is still valid for this session
		m.logger.Warn("Failed to persist token", "key", key, "error", err)
	}
}

func (m *Manager) drop(ctx context.Context, key string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("Failed to delete stored token", "key", key, "error", err)
	}
}
