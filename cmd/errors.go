package cmd

import "fmt"

// AuthRequiredError indicates a browser authorization is needed before the
// command can proceed.
type AuthRequiredError struct {
	// Resource is the URL that requires authentication.
	Resource string
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf(`Authentication required for %s

To authenticate, run:
  mcpauth login %s`, e.Resource, e.Resource)
}

// AuthFailedError indicates the OAuth flow failed.
type AuthFailedError struct {
	// Resource is the URL where authentication failed.
	Resource string
	// Reason is the underlying error.
	Reason error
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthFailedError) Error() string {
	return fmt.Sprintf(`Authentication failed for %s: %v

To retry authentication, run:
  mcpauth login %s`, e.Resource, e.Reason, e.Resource)
}

// Unwrap returns the underlying error.
func (e *AuthFailedError) Unwrap() error {
	return e.Reason
}
