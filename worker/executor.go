// Package worker runs leased jobs: an Acquirer leases ready jobs and
// hands them to a bounded Pool, whose goroutines run each job through
// an Executor (processors, middleware, handler) and report the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/middleware"
	"github.com/xraph/jobservice/scope"
)

// Lane is the set of store transitions one pipeline runs over.
// *manager.Lane satisfies this interface for both the primary and the
// history pipeline.
type Lane interface {
	Shape() job.Shape
	FindReady(ctx context.Context, now time.Time, limit int) ([]*job.Job, error)
	Lease(ctx context.Context, j *job.Job, owner string, now time.Time) error
	Unacquire(ctx context.Context, j *job.Job, reason string) error
	BeforeExecute(ctx context.Context, j *job.Job) error
	Complete(ctx context.Context, j *job.Job, elapsed time.Duration) error
	Fail(ctx context.Context, j *job.Job, res job.Result) error
}

// Executor runs a single leased job through the execute-phase
// processors, the middleware chain and the registered handler, then
// reports the outcome to its lane.
type Executor struct {
	lane       Lane
	registry   *job.Registry
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	lane Lane,
	registry *job.Registry,
	extensions *ext.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		lane:       lane,
		registry:   registry,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Lane returns the lane the executor reports to.
func (e *Executor) Lane() Lane { return e.lane }

// Execute runs j and records the outcome.
// On success the job is completed. A processor veto is fatal. A missing
// handler is recoverable so that a node deployed with the handler can
// pick the job up later. The returned error is the error of the
// outcome transition, not of the handler.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	res, elapsed := e.run(ctx, j)

	var err error
	if res.Failed() {
		err = e.lane.Fail(ctx, j, res)
	} else {
		err = e.lane.Complete(ctx, j, elapsed)
	}

	switch {
	case errors.Is(err, jobservice.ErrLeaseExpired):
		// The job was reclaimed or removed while running; the outcome is
		// discarded and whoever holds it now decides.
		return err
	case err != nil:
		e.logger.Error("record job outcome failed",
			slog.String("job_id", j.ID.String()),
			slog.String("handler_type", j.HandlerType),
			slog.String("outcome", res.Outcome.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (e *Executor) run(ctx context.Context, j *job.Job) (job.Result, time.Duration) {
	if err := e.lane.BeforeExecute(ctx, j); err != nil {
		return job.Fatal(err), 0
	}

	handler, ok := e.registry.Get(j.HandlerType)
	if !ok {
		return job.Recoverable(fmt.Errorf("%w: %q", jobservice.ErrNoHandler, j.HandlerType)), 0
	}

	e.extensions.EmitJobStarted(ctx, j)
	start := time.Now()

	terminal := func(ctx context.Context) job.Result {
		return handler(ctx, j, scope.FromContext(ctx))
	}
	res := e.mw(ctx, j, terminal)
	return res, time.Since(start)
}
