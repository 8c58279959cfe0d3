package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code verifier.
	// 48 bytes encode to exactly 64 base64url characters, inside the 43-128
	// range RFC 7636 allows.
	pkceVerifierBytes = 48

	// PKCEVerifierLength is the length of every generated code verifier.
	PKCEVerifierLength = 64

	// stateBytes is the number of random bytes for the OAuth state parameter.
	stateBytes = 32
)

// PKCEPair is a PKCE (Proof Key for Code Exchange) verifier and its challenge.
// A pair is generated per authorization attempt and never reused.
type PKCEPair struct {
	// Verifier is kept by the client and sent only to the token endpoint.
	Verifier string

	// Challenge is base64url(SHA-256(Verifier)) without padding.
	Challenge string

	// Method is always "S256"; plain is never used.
	Method string
}

// GeneratePKCE generates a new PKCE verifier and S256 challenge.
func GeneratePKCE() (*PKCEPair, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	// base64url without padding only uses the RFC 7636 unreserved alphabet
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	return &PKCEPair{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    PKCEMethodS256,
	}, nil
}

// S256Challenge derives the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyPKCE reports whether verifier matches an S256 challenge.
func VerifyPKCE(verifier, challenge string) bool {
	expected := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// MethodsSupported reports whether the authorization server advertises S256.
// A missing or empty code_challenge_methods_supported list counts as
// unsupported.
func MethodsSupported(metadata *AuthorizationServerMetadata) bool {
	if metadata == nil {
		return false
	}
	for _, method := range metadata.CodeChallengeMethodsSupported {
		if method == PKCEMethodS256 {
			return true
		}
	}
	return false
}

// GenerateState generates a random state parameter for OAuth.
// The state links the authorization response back to the pending flow.
//
// Returns a base64url-encoded random string.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
