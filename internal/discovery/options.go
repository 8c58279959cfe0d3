package discovery

import (
	"log/slog"
	"time"
)

const (
	// DefaultMetadataCacheTTL is the default TTL for cached metadata documents.
	DefaultMetadataCacheTTL = 30 * time.Minute

	// DefaultFetchTimeout bounds one discovery run.
	DefaultFetchTimeout = 30 * time.Second
)

type options struct {
	logger  *slog.Logger
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

func defaultOptions() options {
	return options{
		logger:  slog.Default(),
		ttl:     DefaultMetadataCacheTTL,
		timeout: DefaultFetchTimeout,
		now:     time.Now,
	}
}

// Option configures the discovery clients.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetadataCacheTTL sets the metadata cache TTL.
func WithMetadataCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithTimeout bounds each discovery run, independently of the caller's context.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithClock sets the time source used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
