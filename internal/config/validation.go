package config

import (
	"fmt"
	"net"
	"strings"

	"mcpauth/internal/secretstore"
	"mcpauth/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value interface{}) {
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	})
}

// Validate reports every invalid value in c.
func (c Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.Client.Name) == "" {
		errs.Add("client.name", "is required", c.Client.Name)
	}
	if ip := net.ParseIP(c.Client.RedirectHost); c.Client.RedirectHost != "localhost" && (ip == nil || !ip.IsLoopback()) {
		errs.Add("client.redirectHost", "must be a loopback address", c.Client.RedirectHost)
	}
	if c.Client.RedirectPort < 1 || c.Client.RedirectPort > 65535 {
		errs.Add("client.redirectPort", "must be between 1 and 65535", c.Client.RedirectPort)
	}
	if !strings.HasPrefix(c.Client.CallbackPath, "/") {
		errs.Add("client.callbackPath", "must start with '/'", c.Client.CallbackPath)
	}
	if c.Client.FlowTimeout <= 0 {
		errs.Add("client.flowTimeout", "must be positive", c.Client.FlowTimeout)
	}
	if c.Client.RegistrationTimeout <= 0 {
		errs.Add("client.registrationTimeout", "must be positive", c.Client.RegistrationTimeout)
	}

	if c.Discovery.MetadataCacheTTL <= 0 {
		errs.Add("discovery.metadataCacheTTL", "must be positive", c.Discovery.MetadataCacheTTL)
	}
	if c.Discovery.Timeout <= 0 {
		errs.Add("discovery.timeout", "must be positive", c.Discovery.Timeout)
	}

	if c.Tokens.Timeout <= 0 {
		errs.Add("tokens.timeout", "must be positive", c.Tokens.Timeout)
	}
	if c.Tokens.RefreshInterval < 0 {
		errs.Add("tokens.refreshInterval", "must not be negative", c.Tokens.RefreshInterval)
	}
	if c.Tokens.ExpiryMargin < 0 {
		errs.Add("tokens.expiryMargin", "must not be negative", c.Tokens.ExpiryMargin)
	}

	if c.Transport.HTTPTimeout <= 0 {
		errs.Add("transport.httpTimeout", "must be positive", c.Transport.HTTPTimeout)
	}
	if c.Transport.MaxAttempts == 0 {
		errs.Add("transport.maxAttempts", "must be at least 1", c.Transport.MaxAttempts)
	}
	if c.Transport.RateLimit < 0 {
		errs.Add("transport.rateLimit", "must not be negative", c.Transport.RateLimit)
	}
	if c.Transport.RateLimit > 0 && c.Transport.RateBurst < 1 {
		errs.Add("transport.rateBurst", "must be at least 1 when rateLimit is set", c.Transport.RateBurst)
	}

	switch c.Store.Backend {
	case secretstore.BackendMemory:
	case secretstore.BackendFile, secretstore.BackendSQLite:
		if c.Store.Path == "" {
			errs.Add("store.path", "is required for the "+c.Store.Backend+" backend", c.Store.Path)
		}
	default:
		errs.Add("store.backend", "must be one of memory, file, sqlite", c.Store.Backend)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs.Add("logging.level", err.Error(), c.Logging.Level)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs.Add("logging.format", err.Error(), c.Logging.Format)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
