package auth

import (
	"time"

	"mcpauth/pkg/oauth"
	mcpstrings "mcpauth/pkg/strings"
)

// Status values of a ServerAuthStatus.
const (
	StatusAuthenticated = "authenticated"
	StatusRefreshable   = "refreshable"
	StatusAuthRequired  = "auth_required"
)

// StatusResponse represents the structured authentication state.
type StatusResponse struct {
	// ServerAuths describes authentication to each protected MCP server.
	ServerAuths []ServerAuthStatus `json:"server_auths"`
}

// ServerAuthStatus describes one stored token.
type ServerAuthStatus struct {
	// Resource is the canonical resource URI the token is bound to.
	Resource string `json:"resource"`

	// Status is one of StatusAuthenticated, StatusRefreshable or StatusAuthRequired.
	Status string `json:"status"`

	ClientID string `json:"client_id"`
	Issuer   string `json:"issuer,omitempty"`
	Scope    string `json:"scope,omitempty"`

	// User is the email or subject of the id_token, if one was issued.
	User string `json:"user,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// TokenHint is a masked prefix of the access token for correlation with
	// server logs.
	TokenHint string `json:"token_hint,omitempty"`
}

// NewServerAuthStatus summarizes record as of now.
func NewServerAuthStatus(record *oauth.TokenRecord, now time.Time) ServerAuthStatus {
	status := ServerAuthStatus{
		Resource:  record.Resource,
		Status:    StatusAuthenticated,
		ClientID:  record.ClientID,
		Issuer:    record.Issuer,
		Scope:     record.Scope,
		TokenHint: mcpstrings.Mask(record.AccessToken),
	}

	if record.IsExpired(now) {
		status.Status = StatusAuthRequired
		if record.CanRefresh() {
			status.Status = StatusRefreshable
		}
	}

	if !record.ExpiresAt.IsZero() {
		expiresAt := record.ExpiresAt
		status.ExpiresAt = &expiresAt
	}

	if record.IDToken != "" {
		if claims, err := oauth.ParseIDTokenClaims(record.IDToken); err == nil {
			status.User = claims.Email
			if status.User == "" {
				status.User = claims.Subject
			}
		}
	}

	return status
}
