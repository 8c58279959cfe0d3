package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mcpauth/pkg/oauth"
)

const (
	// DefaultHTTPTimeout is the default timeout for a single HTTP exchange.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds the attempts made for an idempotent request.
	DefaultMaxAttempts = 3

	// DefaultInitialInterval is the first retry delay.
	DefaultInitialInterval = 200 * time.Millisecond

	// DefaultMaxInterval caps the delay between retries.
	DefaultMaxInterval = 2 * time.Second

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// Request is a single HTTP exchange to perform.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the status, headers and body of a completed exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher performs HTTP exchanges. A returned error means no usable response
// was obtained; any HTTP status, including 4xx and 5xx, is a Response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher is the net/http Fetcher. GET and HEAD requests are retried
// with exponential backoff on transport errors, 429 and 5xx; other methods
// are sent exactly once. Requests are paced per host when a rate limit is set.
type HTTPFetcher struct {
	httpClient      *http.Client
	logger          *slog.Logger
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
	limiter         *hostLimiter
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// WithMaxAttempts sets how many attempts an idempotent request gets.
func WithMaxAttempts(n uint) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.initialInterval = initial
		f.maxInterval = max
	}
}

// WithRateLimit paces requests to at most perSecond per host, allowing burst.
// A non-positive perSecond disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *HTTPFetcher) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = newHostLimiter(perSecond, burst)
	}
}

// NewHTTPFetcher creates a new HTTPFetcher.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient:      &http.Client{Timeout: DefaultHTTPTimeout},
		logger:          slog.Default(),
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// errRetryableStatus marks a response whose status is worth retrying.
var errRetryableStatus = errors.New("retryable status")

// Fetch performs req.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &oauth.TransportError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("invalid URL: %v", err)}
	}

	if !isIdempotent(req.Method) {
		return f.do(ctx, u.Host, req)
	}

	var last *Response
	operation := func() (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := f.do(ctx, u.Host, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			f.logger.Debug("Fetch attempt failed", "method", req.Method, "url", req.URL, "error", err)
			return nil, err
		}

		last = resp
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			f.logger.Debug("Fetch attempt returned retryable status", "method", req.Method, "url", req.URL, "status", resp.StatusCode)
			return resp, errRetryableStatus
		}
		return resp, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.initialInterval
	exp.MaxInterval = f.maxInterval

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(f.maxAttempts),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if errors.Is(err, errRetryableStatus) && last != nil {
			// Attempts exhausted: hand the final status to the caller.
			return last, nil
		}
		var te *oauth.TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &oauth.TransportError{Method: req.Method, URL: req.URL, Retryable: true, Err: err}
	}
	return resp, nil
}

func (f *HTTPFetcher) do(ctx context.Context, host string, req *Request) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.wait(ctx, host); err != nil {
			return nil, &oauth.TransportError{Method: req.Method, URL: req.URL, Err: err}
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &oauth.TransportError{Method: req.Method, URL: req.URL, Err: err}
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, &oauth.TransportError{Method: req.Method, URL: req.URL, Retryable: isIdempotent(req.Method), Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, &oauth.TransportError{Method: req.Method, URL: req.URL, Retryable: isIdempotent(req.Method), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

func isIdempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
