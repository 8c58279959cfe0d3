package tokens

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"mcpauth/pkg/oauth"
)

// DefaultRefreshInterval is how often the Refresher scans for expiring tokens.
const DefaultRefreshInterval = time.Minute

// Refresher proactively refreshes tokens that expire within a threshold, so
// interactive callers rarely wait on a refresh.
type Refresher struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewRefresher creates a refresher for manager. Non-positive values select
// DefaultRefreshInterval and oauth.TokenRefreshThreshold.
func NewRefresher(manager *Manager, interval, threshold time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if threshold <= 0 {
		threshold = oauth.TokenRefreshThreshold
	}
	return &Refresher{
		manager:   manager,
		interval:  interval,
		threshold: threshold,
	}
}

// Start runs the refresh loop in the background until Stop is called or ctx ends.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop(ctx, r.stopCh, r.doneCh)
}

// Stop ends the refresh loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh
}

func (r *Refresher) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.RefreshExpiring(ctx)
		}
	}
}

// RefreshExpiring refreshes every refreshable token expiring within the
// threshold and returns how many were refreshed.
func (r *Refresher) RefreshExpiring(ctx context.Context) int {
	count := 0
	for _, key := range r.manager.Keys(ctx) {
		record, ok := r.manager.Get(ctx, key)
		if !ok || !record.CanRefresh() || !record.IsExpiredWithMargin(r.manager.now(), r.threshold) {
			continue
		}

		if _, err := r.manager.refreshWithin(ctx, key, r.threshold); err != nil {
			if !errors.Is(err, oauth.ErrReauthorizationRequired) {
				r.manager.logger.Debug("Background token refresh failed", "resource", record.Resource, "error", err)
			}
			continue
		}
		count++
	}
	if count > 0 {
		r.manager.logger.Debug("Refreshed expiring tokens", "count", count)
	}
	return count
}

// tokenSource adapts a Manager key to oauth2.TokenSource.
type tokenSource struct {
	ctx     context.Context
	manager *Manager
	key     string
}

// TokenSource returns an oauth2.TokenSource that yields the current token for
// key, refreshing it through the manager when needed.
func (m *Manager) TokenSource(ctx context.Context, key string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, manager: m, key: key}
}

// Token implements oauth2.TokenSource.
func (s *tokenSource) Token() (*oauth2.Token, error) {
	record, err := s.manager.CurrentOrRefreshed(s.ctx, s.key)
	if err != nil {
		return nil, err
	}
	return record.ToOAuth2Token(), nil
}
