package manager

import (
	"context"
	"time"

	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/processor"
)

// Lane binds the acquire/execute/advance operations of one executable
// shape. The primary and history pipelines run the same worker code
// over different lanes.
type Lane struct {
	m          *Manager
	shape      job.Shape
	processors *processor.Chain
	fail       func(ctx context.Context, j *job.Job, res job.Result) error
}

// PrimaryLane returns the lane of ready jobs.
func (m *Manager) PrimaryLane() *Lane {
	return &Lane{m: m, shape: job.ShapeReady, processors: m.processors, fail: m.HandleFailure}
}

// HistoryLane returns the lane of history jobs.
func (m *Manager) HistoryLane() *Lane {
	return &Lane{m: m, shape: job.ShapeHistory, processors: m.historyProcessors, fail: m.HandleHistoryFailure}
}

// Shape returns the executable shape the lane serves.
func (l *Lane) Shape() job.Shape { return l.shape }

// FindReady lists acquirable jobs of the lane.
func (l *Lane) FindReady(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	return l.m.store.FindReadyJobs(ctx, l.shape, now, limit)
}

// Lease leases j for owner.
func (l *Lane) Lease(ctx context.Context, j *job.Job, owner string, now time.Time) error {
	return l.m.LeaseJob(ctx, j, owner, now)
}

// Unacquire reverts a lease.
func (l *Lane) Unacquire(ctx context.Context, j *job.Job, reason string) error {
	return l.m.UnacquireJob(ctx, j, reason)
}

// BeforeExecute runs the lane's execute-phase processors.
func (l *Lane) BeforeExecute(ctx context.Context, j *job.Job) error {
	return l.processors.Run(ctx, processor.PhaseBeforeExecute, j)
}

// Complete records success.
func (l *Lane) Complete(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return l.m.CompleteJob(ctx, j, elapsed)
}

// Fail records a failed attempt.
func (l *Lane) Fail(ctx context.Context, j *job.Job, res job.Result) error {
	return l.fail(ctx, j, res)
}
