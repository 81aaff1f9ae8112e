// Package ext defines the extension system. Extensions are notified of
// job lifecycle events (created, started, completed, retrying, dead
// lettered, suspended, ...) and react to them with logging, metrics,
// auditing and the like.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/jobservice/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobCreated is called after a job is scheduled in any shape.
type JobCreated interface {
	OnJobCreated(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job succeeded and was removed.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a failed job is requeued with a later due date.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, cause error, nextDue time.Time) error
}

// JobDeadLettered is called when a job is parked as a dead letter.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, cause error) error
}

// JobSuspended is called when a job moves to the suspended shape.
type JobSuspended interface {
	OnJobSuspended(ctx context.Context, j *job.Job) error
}

// JobActivated is called when a suspended job returns to its origin shape.
type JobActivated interface {
	OnJobActivated(ctx context.Context, j *job.Job) error
}

// JobUnacquired is called when a lease is reverted because the job could
// not be handed to an executor.
type JobUnacquired interface {
	OnJobUnacquired(ctx context.Context, j *job.Job, reason string) error
}

// TimerPromoted is called after a due timer became executable. next is
// the following occurrence of a repeating timer, or nil.
type TimerPromoted interface {
	OnTimerPromoted(ctx context.Context, fired *job.Job, next *job.Job) error
}

// HistoryFailed is called when a history job fails. dropped reports
// whether its retries are exhausted.
type HistoryFailed interface {
	OnHistoryFailed(ctx context.Context, j *job.Job, cause error, dropped bool) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
