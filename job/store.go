package job

import (
	"context"
	"time"

	"github.com/xraph/jobservice/id"
)

// Query filters job listings. Zero-valued fields match everything.
type Query struct {
	Shape         Shape
	HandlerType   string
	ScopeType     string
	ScopeID       string
	SubScopeID    string
	ExecutionID   string
	DeploymentID  string
	TenantID      string
	CorrelationID string

	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Matches reports whether j satisfies every filter of q.
func (q Query) Matches(j *Job) bool {
	return match(string(q.Shape), string(j.Shape)) &&
		match(q.HandlerType, j.HandlerType) &&
		match(q.ScopeType, j.ScopeType) &&
		match(q.ScopeID, j.ScopeID) &&
		match(q.SubScopeID, j.SubScopeID) &&
		match(q.ExecutionID, j.ExecutionID) &&
		match(q.DeploymentID, j.DeploymentID) &&
		match(q.TenantID, j.TenantID) &&
		match(q.CorrelationID, j.CorrelationID)
}

func match(filter, value string) bool { return filter == "" || filter == value }

// Store defines the persistence contract for jobs. Every write is
// conditional on the revision the caller read; a mismatch (or a missing
// record) fails with jobservice.ErrStaleState and changes nothing. On
// success the store increments the revision and writes it back into the
// caller's job.
type Store interface {
	// InsertJob persists a new job at revision 1.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob replaces the stored job if its revision still equals
	// expectedRevision. Writing a live lease on an exclusive job fails
	// with jobservice.ErrScopeLocked while another job of the same scope
	// holds a live exclusive lease.
	UpdateJob(ctx context.Context, j *Job, expectedRevision int64) error

	// DeleteJob removes a job if its revision still equals
	// expectedRevision.
	DeleteJob(ctx context.Context, jobID id.JobID, expectedRevision int64) error

	// MoveJob re-tags a job from shape from to j.Shape and inserts the
	// spawned jobs, all in one atomic operation.
	MoveJob(ctx context.Context, j *Job, from Shape, expectedRevision int64, spawned ...*Job) error

	// FindReadyJobs returns up to limit jobs of an executable shape that
	// are acquirable at now, skipping exclusive jobs whose scope is
	// locked by a sibling. Jobs are ordered by due date then ID.
	FindReadyJobs(ctx context.Context, shape Shape, now time.Time, limit int) ([]*Job, error)

	// FindDueTimers returns up to limit timers due at now, oldest first.
	FindDueTimers(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListJobs returns jobs matching q ordered by ID.
	ListJobs(ctx context.Context, q Query) ([]*Job, error)

	// CountJobs returns the number of jobs matching q, ignoring
	// Limit and Offset.
	CountJobs(ctx context.Context, q Query) (int64, error)
}
