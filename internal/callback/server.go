package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultTimeout is how long to wait for the authorization redirect.
const DefaultTimeout = 10 * time.Minute

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authorization complete</title></head>
<body><h1>Authorization complete</h1><p>You can close this window and return to the terminal.</p></body></html>
`))

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authorization failed</title></head>
<body><h1>Authorization failed</h1><p><strong>{{.Error}}</strong></p>{{if .Description}}<p>{{.Description}}</p>{{end}}</body></html>
`))

// Result is what the authorization server sent back on the redirect.
type Result struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsError reports whether the authorization server returned an error.
func (r *Result) IsError() bool {
	return r.Error != ""
}

// Err converts an error result into a Go error.
func (r *Result) Err() error {
	if !r.IsError() {
		return nil
	}
	if r.ErrorDescription != "" {
		return fmt.Errorf("authorization failed: %s: %s", r.Error, r.ErrorDescription)
	}
	return fmt.Errorf("authorization failed: %s", r.Error)
}

// Server is a short-lived loopback HTTP server that receives one
// authorization redirect for an expected state.
type Server struct {
	redirectURI string
	state       string
	logger      *slog.Logger

	server   *http.Server
	listener net.Listener
	resultCh chan *Result
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server for redirectURI that accepts only a redirect
// carrying state. redirectURI must be an http URL on a loopback host.
func NewServer(redirectURI, state string, opts ...Option) (*Server, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI %q must use http", redirectURI)
	}
	if !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("redirect URI %q must point at a loopback address", redirectURI)
	}

	s := &Server{
		redirectURI: redirectURI,
		state:       state,
		logger:      slog.Default(),
		resultCh:    make(chan *Result, 1),
		errorCh:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins listening on the redirect URI's host and port. A port of 0
// picks a free one; RedirectURI reports the final address. The server stops
// when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	u, _ := url.Parse(s.redirectURI)

	port := u.Port()
	if port == "" {
		port = "80"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", u.Host, err)
	}
	s.listener = listener

	if port == "0" {
		u.Host = net.JoinHostPort(u.Hostname(), fmt.Sprint(listener.Addr().(*net.TCPAddr).Port))
		s.redirectURI = u.String()
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Debug("Callback server listening", "redirect_uri", s.redirectURI)
	return nil
}

// RedirectURI returns the URI the server answers on.
func (s *Server) RedirectURI() string {
	return s.redirectURI
}

// Wait blocks until the redirect arrives, the server fails or ctx is done.
func (s *Server) Wait(ctx context.Context) (*Result, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &Result{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	// A redirect for someone else's flow is ignored and the server keeps waiting.
	if s.state != "" && result.State != s.state {
		s.logger.Warn("SECURITY_AUDIT: callback with unexpected state rejected",
			"event", "callback_state_mismatch",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "unexpected state", http.StatusBadRequest)
		return
	}
	if !result.IsError() && result.Code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	handled := false
	s.once.Do(func() {
		handled = true
		s.render(w, result)
		s.resultCh <- result
	})
	if !handled {
		http.Error(w, "callback already processed", http.StatusBadRequest)
	}
}

func (s *Server) render(w http.ResponseWriter, result *Result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var err error
	if result.IsError() {
		w.WriteHeader(http.StatusBadRequest)
		err = errorPage.Execute(w, map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		})
	} else {
		err = successPage.Execute(w, nil)
	}
	if err != nil {
		s.logger.Debug("Failed to render callback page", "error", err)
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
