package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
)

// Handler types of the history jobs recorded for primary job outcomes.
const (
	HistoryJobCompleted    = "history-job-completed"
	HistoryJobDeadLettered = "history-job-dead-lettered"
)

// HistoryEntry is the configuration of a history job: a snapshot of the
// primary job at the moment of the recorded outcome.
type HistoryEntry struct {
	JobID         string    `json:"job_id"`
	HandlerType   string    `json:"handler_type"`
	ScopeType     string    `json:"scope_type,omitempty"`
	ScopeID       string    `json:"scope_id,omitempty"`
	SubScopeID    string    `json:"sub_scope_id,omitempty"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	DeploymentID  string    `json:"deployment_id,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// NewHistoryJob builds an unsaved history job recording src.
func NewHistoryJob(handlerType string, src *Job, cause error, at time.Time) (*Job, error) {
	entry := HistoryEntry{
		JobID:         src.ID.String(),
		HandlerType:   src.HandlerType,
		ScopeType:     src.ScopeType,
		ScopeID:       src.ScopeID,
		SubScopeID:    src.SubScopeID,
		ExecutionID:   src.ExecutionID,
		DeploymentID:  src.DeploymentID,
		TenantID:      src.TenantID,
		CorrelationID: src.CorrelationID,
		Attempts:      src.Attempts,
		At:            at.UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	cfg, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode history entry: %w", err)
	}

	return &Job{
		Entity:               jobservice.NewEntity(),
		ID:                   id.NewHistoryJobID(),
		Shape:                ShapeHistory,
		HandlerType:          handlerType,
		HandlerConfiguration: cfg,
		ScopeType:            src.ScopeType,
		ScopeID:              src.ScopeID,
		SubScopeID:           src.SubScopeID,
		ExecutionID:          src.ExecutionID,
		DeploymentID:         src.DeploymentID,
		TenantID:             src.TenantID,
		CorrelationID:        src.CorrelationID,
	}, nil
}

// DecodeHistoryEntry decodes the configuration of a history job.
func DecodeHistoryEntry(j *Job) (HistoryEntry, error) {
	var entry HistoryEntry
	if err := json.Unmarshal(j.HandlerConfiguration, &entry); err != nil {
		return entry, fmt.Errorf("decode history entry: %w", err)
	}
	return entry, nil
}
