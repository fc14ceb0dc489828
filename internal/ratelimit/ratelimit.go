// Package ratelimit guards outbound calls to external collaborators
// (Kanban board, forge APIs) with a per-host token bucket (spec §5:
// "External APIs ... rate-limited per-host token bucket; callers block
// up to a configured timeout and then fail the call, not the job").
// There is no teacher precedent for this concern (the CI control plane
// never rate-limited its own outbound calls), so this is grounded
// directly on golang.org/x/time/rate's canonical token-bucket.
package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out a *rate.Limiter per host, lazily created on first
// use with the configured rate/burst.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	perHost  map[string]*rate.Limiter
}

// New builds a Limiter allowing rps requests per second per host, with
// up to burst requests admitted instantaneously.
func New(rps float64, burst int) *Limiter {
	return &Limiter{rps: rate.Limit(rps), burst: burst, perHost: make(map[string]*rate.Limiter)}
}

// Wait blocks until rawURL's host may be called, or ctx/timeout expires
// first — a caller whose wait exceeds timeout fails the call, never the
// job it belongs to (spec §5).
func (l *Limiter) Wait(ctx context.Context, rawURL string, timeout time.Duration) error {
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return limiter.Wait(waitCtx)
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perHost[host]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.perHost[host] = lim
	}
	return lim
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
