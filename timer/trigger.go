// Package timer promotes due timer jobs to executable jobs and computes
// the next occurrence of repeating timers.
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/jobservice/backoff"
	"github.com/xraph/jobservice/job"
)

// Promoter moves one due timer into the executable shape. It reports
// false when another node promoted the timer first.
// *manager.Manager satisfies this interface.
type Promoter interface {
	MoveTimerToExecutableJob(ctx context.Context, t *job.Job, now time.Time) (bool, error)
}

// Finder lists due timers. job.Store satisfies this interface.
type Finder interface {
	FindDueTimers(ctx context.Context, now time.Time, limit int) ([]*job.Job, error)
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithInterval sets how often the trigger looks for due timers.
func WithInterval(d time.Duration) Option {
	return func(t *Trigger) { t.interval = d }
}

// WithBatchSize caps the timers promoted per tick.
func WithBatchSize(n int) Option {
	return func(t *Trigger) { t.batchSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// WithBackoff sets the delay strategy applied while the store is
// unavailable.
func WithBackoff(s backoff.Strategy) Option {
	return func(t *Trigger) { t.failures = backoff.NewTracker(s) }
}

// Trigger runs the timer promotion loop. Any number of triggers may run
// against one store; the revision check inside the promotion makes
// concurrent ticks harmless.
type Trigger struct {
	finder   Finder
	promoter Promoter
	logger   *slog.Logger
	now      func() time.Time

	interval  time.Duration
	batchSize int
	failures  *backoff.Tracker

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewTrigger creates a Trigger.
func NewTrigger(finder Finder, promoter Promoter, opts ...Option) *Trigger {
	t := &Trigger{
		finder:    finder,
		promoter:  promoter,
		logger:    slog.Default(),
		now:       time.Now,
		interval:  1 * time.Second,
		batchSize: 64,
		failures:  backoff.NewTracker(backoff.DefaultCycleStrategy()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the promotion loop. A stopped trigger may be started
// again.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.loop(ctx, t.stopCh)
	t.logger.Info("timer trigger started",
		slog.Duration("interval", t.interval),
		slog.Int("batch_size", t.batchSize),
	)
	return nil
}

// Stop signals the loop to stop and waits for it.
func (t *Trigger) Stop(context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	stopCh := t.stopCh
	t.mu.Unlock()

	close(stopCh)
	t.wg.Wait()
	t.logger.Info("timer trigger stopped")
	return nil
}

func (t *Trigger) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer t.wg.Done()

	wait := t.interval
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		promoted, err := t.Tick(ctx)
		switch {
		case err != nil:
			wait = t.failures.Failure()
			t.logger.Warn("timer trigger: find due timers",
				slog.String("error", err.Error()),
				slog.Int("failures", t.failures.Failures()),
				slog.Duration("retry_in", wait),
			)
		case promoted >= t.batchSize:
			// A full batch means more timers are probably due.
			t.failures.Success()
			wait = 0
		default:
			t.failures.Success()
			wait = t.interval
		}
	}
}

// Tick promotes one batch of due timers and returns how many this node
// promoted. Timers lost to another node are not counted.
func (t *Trigger) Tick(ctx context.Context) (int, error) {
	now := t.now().UTC()
	timers, err := t.finder.FindDueTimers(ctx, now, t.batchSize)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, tj := range timers {
		ok, err := t.promoter.MoveTimerToExecutableJob(ctx, tj, now)
		if err != nil {
			t.logger.Error("timer trigger: promote timer",
				slog.String("job_id", tj.ID.String()),
				slog.String("handler_type", tj.HandlerType),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}
