// Package backoff provides an injectable, testable retry pacing policy
// paced by a token-bucket rate limiter, in place of a fixed-interval sleep.
package backoff

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time so tests never sleep wall-clock time.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once after d, modeled on
	// time.After but substitutable in tests.
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Policy paces retry attempts: each call to Wait blocks (respecting ctx)
// until the next attempt is permitted, bounded by a token-bucket limiter so
// bursts of near-simultaneous sub-stream retries don't hammer the
// transport.
type Policy struct {
	limiter *rate.Limiter
	clock   Clock
}

// NewPolicy builds a Policy allowing one retry every `interval` on average,
// with a small burst allowance so the first few retries across different
// sub-streams aren't serialized unnecessarily.
func NewPolicy(interval time.Duration, burst int, clock Clock) *Policy {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Policy{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		clock:   clock,
	}
}

// Wait blocks until a retry attempt is permitted or ctx is done. The
// token-bucket reservation advances on wall-clock time (rate.Limiter has no
// pluggable clock), but the actual sleep is performed through the injected
// Clock so tests can fire it deterministically without waiting in real
// time.
func (p *Policy) Wait(ctx context.Context) error {
	delay := p.limiter.Reserve().Delay()
	if delay <= 0 {
		return nil
	}
	select {
	case <-p.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
