package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidResourceURI is returned when a resource URI cannot be canonicalized.
	ErrInvalidResourceURI = errors.New("invalid resource URI")

	// ErrProtectedResourceMetadataNotFound is returned when every protected
	// resource metadata candidate failed.
	ErrProtectedResourceMetadataNotFound = errors.New("protected resource metadata not found")

	// ErrAuthorizationServerDiscoveryFailed is returned when no metadata
	// document could be obtained for an issuer.
	ErrAuthorizationServerDiscoveryFailed = errors.New("authorization server discovery failed")

	// ErrPKCENotSupported is returned when an authorization server does not
	// advertise S256. Such servers are never used.
	ErrPKCENotSupported = errors.New("authorization server does not support PKCE S256")

	// ErrRegistrationFailed is returned when dynamic client registration was rejected.
	ErrRegistrationFailed = errors.New("client registration failed")

	// ErrReauthorizationRequired is returned when a refresh was rejected by the
	// authorization server and the cached token has been dropped.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrNoClientIdentity is returned when registration is unavailable and no
	// fallback client ID is configured.
	ErrNoClientIdentity = errors.New("no client identity available")

	// ErrUnknownFlow is returned when a manual flow continuation is missing or expired.
	ErrUnknownFlow = errors.New("unknown or expired authorization flow")
)

// TransportError describes a failed HTTP exchange: either the request never
// produced a response or the response status is unusable.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err carries a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RegistrationError is returned when a registration endpoint rejected a request.
type RegistrationError struct {
	Endpoint    string
	StatusCode  int
	Code        string
	Description string
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("registration at %s rejected with status %d", e.Endpoint, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
		if e.Description != "" {
			msg += " (" + e.Description + ")"
		}
	}
	return msg
}

// Is lets errors.Is match RegistrationError against ErrRegistrationFailed.
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistrationFailed
}
