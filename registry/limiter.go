/*
Package registry integrates with the external establishment registry.

PURPOSE:
  Two pieces: a sliding-window rate limiter shared by every outbound
  call, and an HTTP client for the per-id establishment lookup. The
  registry's public tier allows a small fixed number of requests per
  minute; exceeding it gets the whole service throttled, so every call
  goes through the limiter first.

THIS FILE (limiter.go):
  Limiter keeps an ordered sequence of call timestamps and blocks the
  caller until one more call fits inside the trailing window. This is a
  true sliding window, not a token bucket: a burst of N calls blocks the
  (N+1)th for exactly as long as it takes the oldest stamp to expire.

CONCURRENCY:
  One Limiter instance is shared between request handlers and the
  background enrichment worker. The stamp sequence is mutex-protected,
  and the mutex is never held across a sleep: Wait releases it, sleeps,
  and re-checks, so concurrent waiters wake and contend fairly.

SEE ALSO:
  - client.go: Calls Wait before every outbound request
*/
package registry

import (
	"context"
	"log"
	"sync"
	"time"
)

// margin added to computed waits so a stamp has actually left the window
// by the time the waiter re-checks.
const waitMargin = 100 * time.Millisecond

// Limiter is a sliding-window call gate. Construct with NewLimiter; the
// zero value is not usable.
type Limiter struct {
	maxRequests int
	window      time.Duration

	mu     sync.Mutex
	stamps []time.Time

	now func() time.Time
}

// LimiterStatus is an observability snapshot of the current window.
type LimiterStatus struct {
	Used           int     `json:"requests_used"`
	Remaining      int     `json:"requests_remaining"`
	MaxRequests    int     `json:"max_requests"`
	WindowSeconds  float64 `json:"time_window_seconds"`
	ResetInSeconds float64 `json:"reset_in_seconds"`
}

// NewLimiter creates a limiter allowing maxRequests calls per window.
func NewLimiter(maxRequests int, window time.Duration) *Limiter {
	log.Printf("[Limiter] Initialized: %d req / %v", maxRequests, window)
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Wait blocks until issuing one more call keeps the trailing window
// within budget, then records the call. Returns the total time spent
// waiting. A cancelled context aborts the wait without recording a call.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration

	for {
		l.mu.Lock()
		now := l.now()
		l.purgeLocked(now)

		if len(l.stamps) < l.maxRequests {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return waited, nil
		}

		oldest := l.stamps[0]
		wait := l.window - now.Sub(oldest) + waitMargin
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		log.Printf("[Limiter] At capacity (%d req / %v), waiting %v", l.maxRequests, l.window, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += wait
		}
	}
}

// Status reports the used/remaining budget and the estimated time until
// the next slot frees up. Observability only; it never blocks callers.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)

	status := LimiterStatus{
		Used:          len(l.stamps),
		Remaining:     l.maxRequests - len(l.stamps),
		MaxRequests:   l.maxRequests,
		WindowSeconds: l.window.Seconds(),
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	if len(l.stamps) >= l.maxRequests {
		status.ResetInSeconds = (l.window - now.Sub(l.stamps[0])).Seconds()
		if status.ResetInSeconds < 0 {
			status.ResetInSeconds = 0
		}
	}
	return status
}

// purgeLocked drops stamps older than the window. Caller holds l.mu.
func (l *Limiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, s := range l.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.stamps = kept
}
