package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/backoff"
	"github.com/xraph/jobservice/job"
)

// Throttle gates jobs after they are leased. *throttle.Manager
// satisfies this interface.
type Throttle interface {
	Acquire(j *job.Job) bool
	Release(j *job.Job)
}

// Unacquire reasons reported to the lane and to extensions.
const (
	ReasonPoolFull  = "pool full"
	ReasonThrottled = "throttled"
)

// AcquirerOption configures an Acquirer.
type AcquirerOption func(*Acquirer)

// WithAcquireInterval sets the pause between cycles that found no work.
func WithAcquireInterval(d time.Duration) AcquirerOption {
	return func(a *Acquirer) { a.interval = d }
}

// WithAcquireBatchSize caps the jobs leased per cycle.
func WithAcquireBatchSize(n int) AcquirerOption {
	return func(a *Acquirer) { a.batchSize = n }
}

// WithThrottle sets the throttle consulted after each lease.
func WithThrottle(t Throttle) AcquirerOption {
	return func(a *Acquirer) { a.throttle = t }
}

// WithAcquirerClock overrides the clock.
func WithAcquirerClock(now func() time.Time) AcquirerOption {
	return func(a *Acquirer) { a.now = now }
}

// WithAcquirerBackoff sets the delay strategy applied while the store
// is unavailable.
func WithAcquirerBackoff(s backoff.Strategy) AcquirerOption {
	return func(a *Acquirer) { a.failures = backoff.NewTracker(s) }
}

// Acquirer runs the acquisition cycle: it leases ready jobs of its lane
// and submits them to the pool. Leases are the only coordination between
// nodes; a lost revision race simply drops the candidate.
type Acquirer struct {
	lane     Lane
	pool     *Pool
	workerID string
	throttle Throttle
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

// NewAcquirer creates an Acquirer leasing on behalf of workerID.
func NewAcquirer(lane Lane, pool *Pool, workerID string, logger *slog.Logger, opts ...AcquirerOption) *Acquirer {
	a := &Acquirer{
		lane:      lane,
		pool:      pool,
		workerID:  workerID,
		logger:    logger,
		now:       time.Now,
		interval:  time.Second,
		batchSize: 16,
		failures:  backoff.NewTracker(backoff.DefaultCycleStrategy()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WorkerID returns the lease owner the acquirer writes.
func (a *Acquirer) WorkerID() string { return a.workerID }

// Start launches the acquisition loop.
func (a *Acquirer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})

	a.wg.Add(1)
	go a.loop(ctx, a.stopCh)
	a.logger.Info("acquirer started",
		slog.String("worker_id", a.workerID),
		slog.String("shape", string(a.lane.Shape())),
		slog.Duration("interval", a.interval),
		slog.Int("batch_size", a.batchSize),
	)
	return nil
}

// Stop signals the loop to stop and waits for the current cycle.
func (a *Acquirer) Stop(context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	stopCh := a.stopCh
	a.mu.Unlock()

	close(stopCh)
	a.wg.Wait()
	a.logger.Info("acquirer stopped", slog.String("shape", string(a.lane.Shape())))
	return nil
}

func (a *Acquirer) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer a.wg.Done()

	wait := time.Duration(0)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		leased, err := a.Cycle(ctx)
		switch {
		case err != nil:
			wait = a.failures.Failure()
			a.logger.Warn("acquirer: cycle failed",
				slog.String("shape", string(a.lane.Shape())),
				slog.String("error", err.Error()),
				slog.Int("failures", a.failures.Failures()),
				slog.Duration("retry_in", wait),
			)
		case leased >= a.batchSize && a.pool.Free() > 0:
			// A full batch means more jobs are probably ready.
			a.failures.Success()
			wait = 0
		default:
			a.failures.Success()
			wait = a.interval
		}
	}
}

// Cycle runs one acquisition pass and returns how many jobs it handed
// to the pool. It never blocks on the pool: a job leased while the pool
// is full (or the throttle denies it) is unacquired at once.
func (a *Acquirer) Cycle(ctx context.Context) (int, error) {
	limit := min(a.batchSize, a.pool.Free())
	if limit <= 0 {
		return 0, nil
	}

	now := a.now().UTC()
	candidates, err := a.lane.FindReady(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	// Within one batch an exclusive lease keeps every other job of its
	// scope out, and a scope that already has a lease keeps exclusive
	// jobs out.
	submitted := 0
	exclusiveScopes := make(map[string]struct{})
	leasedScopes := make(map[string]struct{})
	for _, j := range candidates {
		if j.ScopeID != "" {
			if _, busy := exclusiveScopes[j.ScopeID]; busy {
				continue
			}
			if _, busy := leasedScopes[j.ScopeID]; busy && j.Exclusive {
				continue
			}
		}

		if err := a.lane.Lease(ctx, j, a.workerID, now); err != nil {
			if errors.Is(err, jobservice.ErrStaleState) || errors.Is(err, jobservice.ErrScopeLocked) {
				a.logger.Debug("acquirer: lease lost",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			return submitted, err
		}
		if j.ScopeID != "" {
			leasedScopes[j.ScopeID] = struct{}{}
			if j.Exclusive {
				exclusiveScopes[j.ScopeID] = struct{}{}
			}
		}

		if a.throttle != nil && !a.throttle.Acquire(j) {
			a.unacquire(ctx, j, ReasonThrottled)
			continue
		}
		if !a.pool.Submit(j, a.release(j)) {
			if a.throttle != nil {
				a.throttle.Release(j)
			}
			a.unacquire(ctx, j, ReasonPoolFull)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (a *Acquirer) release(j *job.Job) func() {
	if a.throttle == nil {
		return nil
	}
	return func() { a.throttle.Release(j) }
}

func (a *Acquirer) unacquire(ctx context.Context, j *job.Job, reason string) {
	if err := a.lane.Unacquire(ctx, j, reason); err != nil {
		// The lease stays until it expires.
		a.logger.Warn("acquirer: unacquire failed",
			slog.String("job_id", j.ID.String()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}
