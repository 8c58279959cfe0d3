package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter keeps one token bucket per host so that probing one slow
// authorization server does not delay requests to another.
type hostLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newHostLimiter(perSecond float64, burst int) *hostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &hostLimiter{
		rate:  rate.Limit(perSecond),
		burst: burst,
	}
}

// getLimiter retrieves or creates the limiter for host.
func (l *hostLimiter) getLimiter(host string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(host); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	actual, _ := l.limiters.LoadOrStore(host, limiter)
	return actual.(*rate.Limiter)
}

func (l *hostLimiter) wait(ctx context.Context, host string) error {
	return l.getLimiter(host).Wait(ctx)
}
