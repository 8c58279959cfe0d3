package mock

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mcpauth/pkg/oauth"
)

// idTokenSigningKey signs the mock ID tokens. Clients only ever parse them
// unverified, so a fixed HMAC key is enough.
var idTokenSigningKey = []byte("mock-id-token-key")

// OAuthServerConfig configures the mock authorization server.
type OAuthServerConfig struct {
	// IssuerPath is appended to the server URL to form the issuer, e.g. "/tenant1".
	IssuerPath string

	// CodeChallengeMethods is advertised in the metadata. Defaults to ["S256"].
	// Set to an empty non-nil slice to advertise no PKCE support.
	CodeChallengeMethods []string

	// OIDCOnly serves metadata only at /.well-known/openid-configuration.
	OIDCOnly bool

	// DisableRegistration omits the registration endpoint.
	DisableRegistration bool

	// RegistrationError, when set, makes registration fail with this error code.
	RegistrationError string

	// RegisteredClientID is handed out by registration. Defaults to "generated-123".
	RegisteredClientID string

	// IssueClientSecret makes registration return a client secret.
	IssueClientSecret bool

	// StaticClientIDs are accepted without registration.
	StaticClientIDs []string

	// Scopes advertised in scopes_supported.
	Scopes []string

	// TokenLifetime is how long access tokens remain valid. Defaults to 1h.
	TokenLifetime time.Duration

	// RotateRefreshTokens issues a new refresh token on every refresh.
	RotateRefreshTokens bool

	// RejectRefresh fails every refresh with invalid_grant.
	RejectRefresh bool

	// Subject and Email are placed in issued ID tokens.
	Subject string
	Email   string

	// Clock defaults to RealClock.
	Clock Clock
}

type authCodeEntry struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	Resource      string
}

type issuedToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ClientID     string
	Resource     string
	ExpiresAt    time.Time
}

// OAuthServer is a mock OAuth 2.1 authorization server supporting RFC 8414
// metadata, RFC 7591 registration, PKCE S256, RFC 8707 resource indicators
// and RFC 7009 revocation.
type OAuthServer struct {
	config OAuthServerConfig
	server *httptest.Server
	clock  Clock

	mu      sync.RWMutex
	clients map[string]*oauth.ClientRegistration
	codes   map[string]*authCodeEntry
	tokens  map[string]*issuedToken // access token -> token

	metadataRequests     atomic.Int32
	registrationRequests atomic.Int32
	authorizeRequests    atomic.Int32
	tokenRequests        atomic.Int32
	revocationRequests   atomic.Int32
}

// NewOAuthServer starts a mock authorization server. Call Close when done.
func NewOAuthServer(config OAuthServerConfig) *OAuthServer {
	if config.CodeChallengeMethods == nil {
		config.CodeChallengeMethods = []string{oauth.PKCEMethodS256}
	}
	if config.RegisteredClientID == "" {
		config.RegisteredClientID = "generated-123"
	}
	if config.TokenLifetime == 0 {
		config.TokenLifetime = time.Hour
	}
	if config.Subject == "" {
		config.Subject = "user-1"
	}
	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}

	s := &OAuthServer{
		config:  config,
		clock:   clock,
		clients: make(map[string]*oauth.ClientRegistration),
		codes:   make(map[string]*authCodeEntry),
		tokens:  make(map[string]*issuedToken),
	}
	for _, id := range config.StaticClientIDs {
		s.clients[id] = &oauth.ClientRegistration{ClientID: id}
	}

	mux := http.NewServeMux()
	if !config.OIDCOnly {
		mux.HandleFunc("/.well-known/oauth-authorization-server"+config.IssuerPath, s.handleMetadata)
	}
	mux.HandleFunc(config.IssuerPath+"/.well-known/openid-configuration", s.handleMetadata)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/revoke", s.handleRevoke)
	if !config.DisableRegistration {
		mux.HandleFunc("/register", s.handleRegister)
	}

	s.server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *OAuthServer) Close() {
	s.server.Close()
}

// URL returns the server's base URL.
func (s *OAuthServer) URL() string {
	return s.server.URL
}

// Issuer returns the issuer identifier.
func (s *OAuthServer) Issuer() string {
	return s.server.URL + s.config.IssuerPath
}

// MetadataRequests returns how many metadata documents were served.
func (s *OAuthServer) MetadataRequests() int { return int(s.metadataRequests.Load()) }

// RegistrationRequests returns how many registration requests were received.
func (s *OAuthServer) RegistrationRequests() int { return int(s.registrationRequests.Load()) }

// AuthorizeRequests returns how many authorization requests were received.
func (s *OAuthServer) AuthorizeRequests() int { return int(s.authorizeRequests.Load()) }

// TokenRequests returns how many token requests were received.
func (s *OAuthServer) TokenRequests() int { return int(s.tokenRequests.Load()) }

// RevocationRequests returns how many revocation requests were received.
func (s *OAuthServer) RevocationRequests() int { return int(s.revocationRequests.Load()) }

// Metadata returns the document served at the well-known endpoints.
func (s *OAuthServer) Metadata() *oauth.AuthorizationServerMetadata {
	md := &oauth.AuthorizationServerMetadata{
		Issuer:                            s.Issuer(),
		AuthorizationEndpoint:             s.server.URL + "/authorize",
		TokenEndpoint:                     s.server.URL + "/token",
		RevocationEndpoint:                s.server.URL + "/revoke",
		ScopesSupported:                   s.config.Scopes,
		ResponseTypesSupported:            []string{oauth.ResponseTypeCode},
		GrantTypesSupported:               []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{oauth.AuthMethodNone, oauth.AuthMethodClientSecretPost, oauth.AuthMethodClientSecretBasic},
		CodeChallengeMethodsSupported:     s.config.CodeChallengeMethods,
	}
	if !s.config.DisableRegistration {
		md.RegistrationEndpoint = s.server.URL + "/register"
	}
	return md
}

// ValidateToken reports whether accessToken was issued for resource and has
// not expired.
func (s *OAuthServer) ValidateToken(accessToken, resource string) bool {
	s.mu.RLock()
	token, ok := s.tokens[accessToken]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if s.clock.Now().After(token.ExpiresAt) {
		return false
	}
	return resource == "" || oauth.ResourceMatches(token.Resource, resource)
}

// Authorize simulates the user approving authURL in a browser and returns
// the code and state the authorization server redirects back with.
func (s *OAuthServer) Authorize(authURL string) (code, state string, err error) {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		var errResp oauth.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", "", fmt.Errorf("authorization failed with status %d: %s", resp.StatusCode, errResp.Error)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", "", err
	}
	return location.Query().Get("code"), location.Query().Get("state"), nil
}

// ExpireAll marks every issued access token as expired.
func (s *OAuthServer) ExpireAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		token.ExpiresAt = s.clock.Now().Add(-time.Second)
	}
}

func (s *OAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	s.metadataRequests.Add(1)
	writeJSON(w, http.StatusOK, s.Metadata())
}

func (s *OAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.registrationRequests.Add(1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req oauth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed request body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	if s.config.RegistrationError != "" {
		writeOAuthError(w, http.StatusBadRequest, s.config.RegistrationError, "registration rejected")
		return
	}

	reg := &oauth.ClientRegistration{
		ClientID:                s.config.RegisteredClientID,
		ClientIDIssuedAt:        s.clock.Now().Unix(),
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}
	if s.config.IssueClientSecret {
		reg.ClientSecret = generateOpaqueToken()
		reg.TokenEndpointAuthMethod = oauth.AuthMethodClientSecretPost
	}

	s.mu.Lock()
	s.clients[reg.ClientID] = reg
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, reg)
}

func (s *OAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s.authorizeRequests.Add(1)

	q := r.URL.Query()
	if q.Get("response_type") != oauth.ResponseTypeCode {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "")
		return
	}

	s.mu.RLock()
	client, known := s.clients[q.Get("client_id")]
	s.mu.RUnlock()
	if !known {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if len(client.RedirectURIs) > 0 && !contains(client.RedirectURIs, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered")
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != oauth.PKCEMethodS256 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "PKCE S256 required")
		return
	}
	if q.Get("resource") == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_target", "resource required")
		return
	}

	code := generateOpaqueToken()
	s.mu.Lock()
	s.codes[code] = &authCodeEntry{
		ClientID:      client.ClientID,
		RedirectURI:   redirectURI,
		Scope:         q.Get("scope"),
		CodeChallenge: q.Get("code_challenge"),
		Resource:      q.Get("resource"),
	}
	s.mu.Unlock()

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed redirect_uri")
		return
	}
	rq := redirect.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirect.RawQuery = rq.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *OAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}

	clientID := r.PostForm.Get("client_id")
	if id, _, ok := r.BasicAuth(); ok {
		clientID, _ = url.QueryUnescape(id)
	}

	switch r.PostForm.Get("grant_type") {
	case oauth.GrantTypeAuthorizationCode:
		s.handleAuthCodeExchange(w, r, clientID)
	case oauth.GrantTypeRefreshToken:
		s.handleRefreshToken(w, r, clientID)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *OAuthServer) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request, clientID string) {
	code := r.PostForm.Get("code")

	s.mu.Lock()
	entry, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	switch {
	case !ok:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code not found or already used")
	case entry.ClientID != clientID:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
	case entry.RedirectURI != r.PostForm.Get("redirect_uri"):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
	case !oauth.VerifyPKCE(r.PostForm.Get("code_verifier"), entry.CodeChallenge):
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier verification failed")
	case r.PostForm.Get("resource") != entry.Resource:
		writeOAuthError(w, http.StatusBadRequest, "invalid_target", "resource mismatch")
	default:
		s.issue(w, entry.ClientID, entry.Scope, entry.Resource, "")
	}
}

func (s *OAuthServer) handleRefreshToken(w http.ResponseWriter, r *http.Request, clientID string) {
	if s.config.RejectRefresh {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token revoked")
		return
	}

	refreshToken := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	var original *issuedToken
	for access, token := range s.tokens {
		if token.RefreshToken == refreshToken {
			original = token
			delete(s.tokens, access)
			break
		}
	}
	s.mu.Unlock()

	switch {
	case original == nil:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token not found")
	case original.ClientID != clientID:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
	case r.PostForm.Get("resource") != "" && r.PostForm.Get("resource") != original.Resource:
		writeOAuthError(w, http.StatusBadRequest, "invalid_target", "resource mismatch")
	default:
		keep := original.RefreshToken
		if s.config.RotateRefreshTokens {
			keep = ""
		}
		s.issue(w, original.ClientID, original.Scope, original.Resource, keep)
	}
}

// issue mints a token set and writes the token response. A non-empty
// refreshToken is reused and omitted from the response.
func (s *OAuthServer) issue(w http.ResponseWriter, clientID, scope, resource, refreshToken string) {
	token := &issuedToken{
		AccessToken:  generateOpaqueToken(),
		RefreshToken: refreshToken,
		Scope:        scope,
		ClientID:     clientID,
		Resource:     resource,
		ExpiresAt:    s.clock.Now().Add(s.config.TokenLifetime),
	}
	resp := oauth.TokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.config.TokenLifetime.Seconds()),
		Scope:       scope,
		IDToken:     s.idToken(clientID),
	}
	if refreshToken == "" {
		token.RefreshToken = generateOpaqueToken()
		resp.RefreshToken = token.RefreshToken
	}

	s.mu.Lock()
	s.tokens[token.AccessToken] = token
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *OAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.revocationRequests.Add(1)

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	value := r.PostForm.Get("token")

	s.mu.Lock()
	for access, token := range s.tokens {
		if access == value || token.RefreshToken == value {
			delete(s.tokens, access)
		}
	}
	s.mu.Unlock()

	// RFC 7009 section 2.2: unknown tokens are not an error
	w.WriteHeader(http.StatusOK)
}

func (s *OAuthServer) idToken(clientID string) string {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"iss": s.Issuer(),
		"sub": s.config.Subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(s.config.TokenLifetime).Unix(),
	}
	if s.config.Email != "" {
		claims["email"] = s.config.Email
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(idTokenSigningKey)
	if err != nil {
		return ""
	}
	return signed
}

// generateOpaqueToken generates a random opaque token.
// Panics if crypto/rand fails, which should never happen in practice.
func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauth.ErrorResponse{Error: code, ErrorDescription: description})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
