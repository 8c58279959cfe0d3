package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin is the default margin when checking token expiry.
// This accounts for clock skew and network latency.
const DefaultExpiryMargin = 30 * time.Second

// TokenRefreshThreshold is the duration before token expiry when tokens should be proactively refreshed.
const TokenRefreshThreshold = 5 * time.Minute

// DefaultStorageDir is the default directory for persisted credentials,
// relative to the user's home directory.
const DefaultStorageDir = ".config/mcpauth/credentials"

// PKCEMethodS256 is the only code challenge method this package negotiates.
const PKCEMethodS256 = "S256"

// Grant and response types used in registration and token requests.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// Token endpoint client authentication methods (RFC 7591 section 2).
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
)

// IDTokenClaims holds the identity claims extracted from JWT ID tokens.
// They are used for display only and are never trusted for authorization.
type IDTokenClaims struct {
	// Subject is the unique user identifier (sub claim).
	Subject string `json:"sub"`
	// Email is the user's email address (email claim).
	Email string `json:"email"`
}

// TokenRecord is an issued access token bound to one resource and one client.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`

	// Resource is the canonical resource URI the token was requested for.
	Resource string `json:"resource"`

	// ClientID is the client identity that obtained the token.
	ClientID string `json:"client_id"`

	// ClientSecret is set for confidential registrations only.
	ClientSecret string `json:"client_secret,omitempty"`

	// AuthMethod is the token endpoint authentication method for ClientID.
	AuthMethod string `json:"auth_method,omitempty"`

	Issuer             string    `json:"issuer,omitempty"`
	TokenEndpoint      string    `json:"token_endpoint"`
	RevocationEndpoint string    `json:"revocation_endpoint,omitempty"`
	ObtainedAt         time.Time `json:"obtained_at"`
}

// Key returns the identity under which the record is cached and stored.
func (t *TokenRecord) Key() string {
	return TokenKey(t.Resource, t.ClientID)
}

// TokenKey builds the cache key for a (resource, client) pair.
func TokenKey(resource, clientID string) string {
	return "token:" + resource + "|" + clientID
}

// IsExpired checks if the token has expired or expires within DefaultExpiryMargin.
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return t.IsExpiredWithMargin(now, DefaultExpiryMargin)
}

// IsExpiredWithMargin checks if the token has expired or will expire within the margin.
func (t *TokenRecord) IsExpiredWithMargin(now time.Time, margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false // Tokens without expiration don't expire
	}
	return now.Add(margin).After(t.ExpiresAt)
}

// CanRefresh reports whether the record carries a refresh token.
func (t *TokenRecord) CanRefresh() bool {
	return t.RefreshToken != "" && t.TokenEndpoint != ""
}

// Scopes returns the scope as a slice of individual scopes.
func (t *TokenRecord) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// Clone returns a copy that callers may keep without observing later refreshes.
func (t *TokenRecord) Clone() *TokenRecord {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ToOAuth2Token converts the record to an oauth2.Token for use with golang.org/x/oauth2.
func (t *TokenRecord) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}

	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}

	return token
}

// AuthorizationHeader returns the value for the Authorization request header.
func (t *TokenRecord) AuthorizationHeader() string {
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// TokenResponse is the JSON body returned by a token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Validate checks the fields a token response must carry.
func (r *TokenResponse) Validate() error {
	if r.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}
	return nil
}

// ErrorResponse is the OAuth 2.0 error body (RFC 6749 section 5.2, RFC 7591 section 3.2.2).
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// AuthorizationServerRef is one entry of the protected resource's
// authorization_servers list. Entries may be plain issuer strings or
// objects carrying an "issuer" member; both forms decode into Issuer.
type AuthorizationServerRef struct {
	Issuer string
}

// UnmarshalJSON accepts both `"https://as"` and `{"issuer":"https://as"}`.
func (r *AuthorizationServerRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Issuer = s
		return nil
	}

	var obj struct {
		Issuer string `json:"issuer"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("authorization server entry must be a string or an object: %w", err)
	}
	r.Issuer = obj.Issuer
	return nil
}

// MarshalJSON always emits the string form.
func (r AuthorizationServerRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Issuer)
}

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata (RFC 9728).
type ProtectedResourceMetadata struct {
	// Resource is the protected resource's identifier.
	Resource string `json:"resource"`

	// AuthorizationServers lists candidate issuers in preference order.
	AuthorizationServers []AuthorizationServerRef `json:"authorization_servers"`

	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Validate checks the fields the negotiation depends on.
func (m *ProtectedResourceMetadata) Validate() error {
	if m.Resource == "" {
		return fmt.Errorf("protected resource metadata missing resource")
	}
	if len(m.Issuers()) == 0 {
		return fmt.Errorf("protected resource metadata lists no authorization servers")
	}
	return nil
}

// Issuers returns the non-empty authorization server issuers in order.
func (m *ProtectedResourceMetadata) Issuers() []string {
	issuers := make([]string, 0, len(m.AuthorizationServers))
	for _, ref := range m.AuthorizationServers {
		if ref.Issuer != "" {
			issuers = append(issuers, ref.Issuer)
		}
	}
	return issuers
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata
// as defined in RFC 8414. OpenID Connect discovery documents decode into the
// same structure; OIDC-only members are ignored.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for dynamic client registration.
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JwksURI               string `json:"jwks_uri,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Validate checks the members required for an authorization code flow.
func (m *AuthorizationServerMetadata) Validate() error {
	switch {
	case m.Issuer == "":
		return fmt.Errorf("authorization server metadata missing issuer")
	case m.AuthorizationEndpoint == "":
		return fmt.Errorf("authorization server metadata missing authorization_endpoint")
	case m.TokenEndpoint == "":
		return fmt.Errorf("authorization server metadata missing token_endpoint")
	}
	return nil
}

// SupportsRegistration returns true if the server advertises a registration endpoint.
func (m *AuthorizationServerMetadata) SupportsRegistration() bool {
	return m.RegistrationEndpoint != ""
}

// SupportsAuthMethod reports whether the token endpoint accepts the given
// client authentication method. An empty list means client_secret_basic
// per RFC 8414 section 2.
func (m *AuthorizationServerMetadata) SupportsAuthMethod(method string) bool {
	if len(m.TokenEndpointAuthMethodsSupported) == 0 {
		return method == AuthMethodClientSecretBasic
	}
	for _, supported := range m.TokenEndpointAuthMethodsSupported {
		if supported == method {
			return true
		}
	}
	return false
}

// Endpoint returns the oauth2.Endpoint view of the metadata.
func (m *AuthorizationServerMetadata) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  m.AuthorizationEndpoint,
		TokenURL: m.TokenEndpoint,
	}
}

// RegistrationRequest carries the client metadata sent to a registration
// endpoint (RFC 7591 section 2).
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	SoftwareVersion         string   `json:"software_version,omitempty"`
	SoftwareStatement       string   `json:"software_statement,omitempty"`

	// InitialAccessToken is sent as a bearer token, never in the body.
	InitialAccessToken string `json:"-"`
}

// Validate checks the request before it is sent.
func (r *RegistrationRequest) Validate() error {
	if len(r.RedirectURIs) == 0 {
		return fmt.Errorf("registration request requires at least one redirect URI")
	}
	for _, uri := range r.RedirectURIs {
		if uri == "" {
			return fmt.Errorf("registration request contains an empty redirect URI")
		}
	}
	return nil
}

// ClientRegistration is the authorization server's answer to a registration
// request (RFC 7591 section 3.2.1).
type ClientRegistration struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`

	// RegistrationEndpoint records where the client was registered.
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`
}

// SecretExpired reports whether an issued client secret has expired.
// A zero expiry means the secret does not expire.
func (c *ClientRegistration) SecretExpired(now time.Time) bool {
	if c.ClientSecret == "" || c.ClientSecretExpiresAt == 0 {
		return false
	}
	return now.After(time.Unix(c.ClientSecretExpiresAt, 0))
}

// ManualFlowRequest is handed to the caller when a human has to approve
// access in a browser. The PKCE verifier is never part of it; the
// negotiator keeps it keyed by State.
type ManualFlowRequest struct {
	// FlowID identifies this attempt.
	FlowID string `json:"flow_id"`

	// AuthorizationURL is the URL the user must visit.
	AuthorizationURL string `json:"authorization_url"`

	RedirectURI string `json:"redirect_uri"`
	ClientID    string `json:"client_id"`
	Scope       string `json:"scope,omitempty"`

	// Resource is the canonical resource URI embedded in the authorization URL.
	Resource string `json:"resource"`

	// ResourceServerURL is the URL the caller asked headers for.
	ResourceServerURL string `json:"resource_server_url"`

	Issuer string `json:"issuer"`

	// State is returned unchanged on the redirect and identifies the continuation.
	State string `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StoredCredential is the value kept in a secret store.
type StoredCredential struct {
	Registration *ClientRegistration `json:"registration,omitempty"`
	Token        *TokenRecord        `json:"token,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
