// Package ratelimit implements the Rate Governor: a backoff clock plus a
// per-endpoint soft quota consulted before every planner-mutating HTTP call
// (spec.md §4.2).
package ratelimit

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Status classifies the outcome of a planner HTTP call for ReportResult.
type Status int

const (
	// StatusOK indicates the call succeeded and no backoff adjustment is
	// needed.
	StatusOK Status = iota
	// StatusThrottled indicates an HTTP 429 or 503 response.
	StatusThrottled
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second
)

// Governor maintains a monotonic backoff deadline and a per-endpoint token
// bucket. It is safe for concurrent use; one Governor is shared process-wide
// (spec.md's "Global mutable state" note).
type Governor struct {
	mu        sync.Mutex
	backoffNS int64 // unix nano, atomic
	attempts  int

	limiters    map[string]*rate.Limiter
	limitersMu  sync.Mutex
	perEndpoint rate.Limit
	burst       int

	now func() time.Time
}

// New builds a Governor with a soft per-endpoint quota of ratePerSecond
// requests, allowing bursts up to burst.
func New(ratePerSecond float64, burst int) *Governor {
	return &Governor{
		limiters:    make(map[string]*rate.Limiter),
		perEndpoint: rate.Limit(ratePerSecond),
		burst:       burst,
		now:         time.Now,
	}
}

func (g *Governor) limiterFor(endpoint string) *rate.Limiter {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()
	l, ok := g.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(g.perEndpoint, g.burst)
		g.limiters[endpoint] = l
	}
	return l
}

// Acquire reports whether a call to endpoint may proceed right now. It never
// blocks: a false result means the caller must re-queue the work rather than
// wait in place (spec.md §4.2 — "the batch processor halts draining").
func (g *Governor) Acquire(endpoint string) bool {
	if g.inBackoff() {
		return false
	}
	return g.limiterFor(endpoint).Allow()
}

// BackoffUntil returns the current backoff deadline, or the zero time if
// none is in effect.
func (g *Governor) BackoffUntil() time.Time {
	ns := atomic.LoadInt64(&g.backoffNS)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (g *Governor) inBackoff() bool {
	until := g.BackoffUntil()
	return !until.IsZero() && g.now().Before(until)
}

// ReportResult feeds the outcome of a call back into the governor. retryAfter
// is the server-supplied Retry-After duration, if any; zero means none was
// given and exponential backoff applies instead.
func (g *Governor) ReportResult(status Status, retryAfter time.Duration) {
	if status == StatusOK {
		g.mu.Lock()
		g.attempts = 0
		g.mu.Unlock()
		atomic.StoreInt64(&g.backoffNS, 0)
		return
	}

	g.mu.Lock()
	g.attempts++
	attempt := g.attempts
	g.mu.Unlock()

	var delay time.Duration
	if retryAfter > 0 {
		delay = retryAfter + jitter(retryAfter/2)
	} else {
		delay = backoffFor(attempt) + jitter(backoffFor(attempt)/2)
	}

	deadline := g.now().Add(delay)
	atomic.StoreInt64(&g.backoffNS, deadline.UnixNano())
}

func backoffFor(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func jitter(halfRange time.Duration) time.Duration {
	if halfRange <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(halfRange)))
}
