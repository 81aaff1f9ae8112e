// Package stream fans job lifecycle events out to in-process
// subscribers. The Broker is an ext.Extension: register it with the
// engine and subscribe to topics to watch jobs move through their
// shapes.
package stream

import (
	"time"

	"github.com/xraph/jobservice/job"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobCreated      EventType = "job.created"
	EventJobStarted      EventType = "job.started"
	EventJobCompleted    EventType = "job.completed"
	EventJobRetrying     EventType = "job.retrying"
	EventJobDeadLettered EventType = "job.dead_lettered"
	EventJobSuspended    EventType = "job.suspended"
	EventJobActivated    EventType = "job.activated"
	EventJobUnacquired   EventType = "job.unacquired"
	EventTimerPromoted   EventType = "timer.promoted"
	EventHistoryFailed   EventType = "history.failed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`
	Job       JobData   `json:"job"`

	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	NextDue   string `json:"next_due,omitempty"`
	NextJobID string `json:"next_job_id,omitempty"`
	Dropped   bool   `json:"dropped,omitempty"`
}

// JobData is the snapshot of the job an event is about.
type JobData struct {
	ID          string    `json:"id"`
	Shape       job.Shape `json:"shape"`
	HandlerType string    `json:"handler_type"`
	Attempts    int       `json:"attempts"`
	Retries     int       `json:"retries"`
	ScopeType   string    `json:"scope_type,omitempty"`
	ScopeID     string    `json:"scope_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
}

func snapshot(j *job.Job) JobData {
	return JobData{
		ID:          j.ID.String(),
		Shape:       j.Shape,
		HandlerType: j.HandlerType,
		Attempts:    j.Attempts,
		Retries:     j.Retries,
		ScopeType:   j.ScopeType,
		ScopeID:     j.ScopeID,
		ExecutionID: j.ExecutionID,
		TenantID:    j.TenantID,
	}
}
