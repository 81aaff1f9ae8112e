// Package backoff computes how far a failed job's due date is pushed out
// before its next attempt, and how long a polling cycle sleeps after the
// store becomes unavailable. Strategies are stateless and safe for
// concurrent use; Tracker adds per-cycle attempt counting on top.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Strategy computes the delay before attempt n. Attempt 1 is the first
// retry after the initial failure; values below 1 are treated as 1.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(normalize(attempt)) }

// None retries immediately.
type None struct{}

// Delay always returns zero.
func (None) Delay(int) time.Duration { return 0 }

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Linear returns min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capAt(l.Initial*time.Duration(normalize(attempt)), l.Max)
}

// Exponential returns min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return exponential(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter draws a random delay in
// [0, min(Initial * 2^(attempt-1), Max)] so that many jobs failing
// together do not retry together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration up to the capped exponential base.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := exponential(e.Initial, e.Max, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// DefaultStrategy is the retry backoff for failed jobs:
// ExponentialWithJitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

// DefaultCycleStrategy is the backoff for polling cycles that hit an
// unavailable store: ExponentialWithJitter with 500ms initial and 30s max.
func DefaultCycleStrategy() Strategy {
	return NewExponentialWithJitter(500*time.Millisecond, 30*time.Second)
}

// Tracker counts consecutive failures of a polling cycle and yields the
// delay for the current streak. The zero value is not usable; use
// NewTracker.
type Tracker struct {
	mu       sync.Mutex
	strategy Strategy
	failures int
}

// NewTracker returns a Tracker that delays according to s.
func NewTracker(s Strategy) *Tracker {
	return &Tracker{strategy: s}
}

// Failure records a failure and returns how long to wait before the
// next cycle.
func (t *Tracker) Failure() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	return t.strategy.Delay(t.failures)
}

// Success resets the failure streak.
func (t *Tracker) Success() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

// Failures reports the current streak length.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

func exponential(initial, maxDelay time.Duration, attempt int) time.Duration {
	d := float64(initial) * math.Pow(2, float64(normalize(attempt)-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

func capAt(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

func normalize(attempt int) int {
	if attempt < 1 {
		return 1
	}
	return attempt
}
