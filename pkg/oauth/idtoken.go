package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseIDTokenClaims extracts the subject and email from an OIDC ID token
// without verifying its signature. The result is for display only.
func ParseIDTokenClaims(idToken string) (*IDTokenClaims, error) {
	if idToken == "" {
		return nil, fmt.Errorf("empty id token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	result := &IDTokenClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		result.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		result.Email = email
	}
	return result, nil
}
