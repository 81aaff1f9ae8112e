package job

import (
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/scope"
)

// Shape is the tag naming which phase of its lifecycle a job is in.
type Shape string

const (
	// ShapeTimer is a job waiting for its due date.
	ShapeTimer Shape = "timer"
	// ShapeReady is an executable job, eligible for acquisition.
	ShapeReady Shape = "ready"
	// ShapeSuspended is a job parked because its scope is suspended.
	ShapeSuspended Shape = "suspended"
	// ShapeDeadLetter is a job that exhausted its retries or failed
	// fatally. Only an operator moves it out again.
	ShapeDeadLetter Shape = "deadletter"
	// ShapeHistory is an executable job of the history pipeline.
	ShapeHistory Shape = "history"
)

// Valid reports whether s is a known shape.
func (s Shape) Valid() bool {
	switch s {
	case ShapeTimer, ShapeReady, ShapeSuspended, ShapeDeadLetter, ShapeHistory:
		return true
	}
	return false
}

// Executable reports whether jobs of this shape are acquired and run.
func (s Shape) Executable() bool { return s == ShapeReady || s == ShapeHistory }

// Job is a durable unit of deferred work. A job is a single record
// whose Shape tag moves through the lifecycle; Revision is incremented
// by the store on every write and guards all conditional updates.
type Job struct {
	jobservice.Entity

	ID       id.JobID `json:"id"`
	Shape    Shape    `json:"shape"`
	Revision int64    `json:"revision"`

	HandlerType          string `json:"handler_type"`
	HandlerConfiguration []byte `json:"handler_configuration,omitempty"`

	DueDate  *time.Time `json:"due_date,omitempty"`
	Retries  int        `json:"retries"`
	Attempts int        `json:"attempts"`

	// LastChance marks a job kept executable at zero retries for one
	// final attempt.
	LastChance bool `json:"last_chance,omitempty"`

	ExceptionMessage    string `json:"exception_message,omitempty"`
	ExceptionStacktrace string `json:"exception_stacktrace,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	Exclusive     bool   `json:"exclusive"`

	ScopeType    string `json:"scope_type,omitempty"`
	ScopeID      string `json:"scope_id,omitempty"`
	SubScopeID   string `json:"sub_scope_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	ElementID    string `json:"element_id,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`

	LockOwner          string     `json:"lock_owner,omitempty"`
	LockExpirationTime *time.Time `json:"lock_expiration_time,omitempty"`

	// Repeat is a cron expression or descriptor ("@every 5m"). Only
	// timers carry it.
	Repeat        string     `json:"repeat,omitempty"`
	MaxIterations int        `json:"max_iterations,omitempty"`
	Iteration     int        `json:"iteration,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`

	// OriginShape is the shape a suspended job returns to on activation.
	OriginShape Shape `json:"origin_shape,omitempty"`
}

// ScopeRef returns the variable scope reference of the job.
func (j *Job) ScopeRef() scope.Ref {
	return scope.Ref{Type: j.ScopeType, ID: j.ScopeID, SubID: j.SubScopeID}
}

// IsLocked reports whether the job holds a lease that has not expired
// at now.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}

// IsDue reports whether the due date, if any, has been reached.
func (j *Job) IsDue(now time.Time) bool {
	return j.DueDate == nil || !j.DueDate.After(now)
}

// Acquirable reports whether a worker may lease the job at now. It
// does not consider sibling exclusive leases; the store does.
func (j *Job) Acquirable(now time.Time) bool {
	return j.Shape.Executable() &&
		!j.IsLocked(now) &&
		j.IsDue(now) &&
		(j.Retries > 0 || j.LastChance)
}

// HoldsExclusiveLease reports whether the job blocks its scope at now.
func (j *Job) HoldsExclusiveLease(now time.Time) bool {
	return j.Exclusive && j.ScopeID != "" && j.IsLocked(now)
}

// ClearLease drops the lock owner and expiration.
func (j *Job) ClearLease() {
	j.LockOwner = ""
	j.LockExpirationTime = nil
}

// IsRepeating reports whether the job is a repeating timer.
func (j *Job) IsRepeating() bool { return j.Repeat != "" }

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.HandlerConfiguration != nil {
		cp.HandlerConfiguration = append([]byte(nil), j.HandlerConfiguration...)
	}
	cp.DueDate = cloneTime(j.DueDate)
	cp.LockExpirationTime = cloneTime(j.LockExpirationTime)
	cp.EndDate = cloneTime(j.EndDate)
	return &cp
}

// CreateTime is the time the job was first scheduled.
func (j *Job) CreateTime() time.Time { return j.CreatedAt }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t in UTC.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
