// Package breaker wraps a store.Store in a circuit breaker. After a run
// of backend failures the breaker opens and every call fails fast with
// jobservice.ErrStoreUnavailable until the cool-down elapses, so the
// acquirer, trigger and history loops back off instead of hammering an
// unreachable database.
//
// Domain outcomes (stale revision, scope locked, not found, duplicate
// insert) count as successes: they prove the backend answered.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/store"
)

// Compile-time check.
var _ store.Store = (*Store)(nil)

// Option configures the breaker.
type Option func(*Store)

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFailureThreshold sets the number of consecutive failures that
// opens the breaker. Defaults to 5.
func WithFailureThreshold(n uint32) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before letting a
// probe through. Defaults to 10s.
func WithCooldown(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// Store is a store.Store guarded by a circuit breaker.
type Store struct {
	next      store.Store
	cb        *gobreaker.CircuitBreaker
	logger    *slog.Logger
	threshold uint32
	cooldown  time.Duration
}

// New wraps next. name identifies the breaker in logs.
func New(next store.Store, name string, opts ...Option) *Store {
	s := &Store{
		next:      next,
		logger:    slog.Default(),
		threshold: 5,
		cooldown:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.threshold
		},
		IsSuccessful: answered,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("store breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return s
}

// State reports the breaker state: "closed", "half-open" or "open".
func (s *Store) State() string { return s.cb.State().String() }

// answered reports whether err came back from a healthy backend.
func answered(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, jobservice.ErrStaleState),
		errors.Is(err, jobservice.ErrScopeLocked),
		errors.Is(err, jobservice.ErrJobNotFound),
		errors.Is(err, jobservice.ErrJobAlreadyExists),
		errors.Is(err, jobservice.ErrInvalidShape):
		return true
	}
	return false
}

func (s *Store) do(fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", jobservice.ErrStoreUnavailable, err)
	}
	return err
}

// ──────────────────────────────────────────────────
// job.Store
// ──────────────────────────────────────────────────

func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	return s.do(func() error { return s.next.InsertJob(ctx, j) })
}

func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var out *job.Job
	err := s.do(func() (err error) {
		out, err = s.next.GetJob(ctx, jobID)
		return err
	})
	return out, err
}

func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedRevision int64) error {
	return s.do(func() error { return s.next.UpdateJob(ctx, j, expectedRevision) })
}

func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID, expectedRevision int64) error {
	return s.do(func() error { return s.next.DeleteJob(ctx, jobID, expectedRevision) })
}

func (s *Store) MoveJob(ctx context.Context, j *job.Job, from job.Shape, expectedRevision int64, spawned ...*job.Job) error {
	return s.do(func() error { return s.next.MoveJob(ctx, j, from, expectedRevision, spawned...) })
}

func (s *Store) FindReadyJobs(ctx context.Context, shape job.Shape, now time.Time, limit int) ([]*job.Job, error) {
	var out []*job.Job
	err := s.do(func() (err error) {
		out, err = s.next.FindReadyJobs(ctx, shape, now, limit)
		return err
	})
	return out, err
}

func (s *Store) FindDueTimers(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	var out []*job.Job
	err := s.do(func() (err error) {
		out, err = s.next.FindDueTimers(ctx, now, limit)
		return err
	})
	return out, err
}

func (s *Store) ListJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	var out []*job.Job
	err := s.do(func() (err error) {
		out, err = s.next.ListJobs(ctx, q)
		return err
	})
	return out, err
}

func (s *Store) CountJobs(ctx context.Context, q job.Query) (int64, error) {
	var n int64
	err := s.do(func() (err error) {
		n, err = s.next.CountJobs(ctx, q)
		return err
	})
	return n, err
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate bypasses the breaker; a failed migration is fatal to startup.
func (s *Store) Migrate(ctx context.Context) error { return s.next.Migrate(ctx) }

func (s *Store) Ping(ctx context.Context) error {
	return s.do(func() error { return s.next.Ping(ctx) })
}

func (s *Store) Close() error { return s.next.Close() }
