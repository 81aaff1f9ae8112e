package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

type jobModel struct {
	ID                   string     `bson:"_id"`
	Shape                string     `bson:"shape"`
	Revision             int64      `bson:"revision"`
	HandlerType          string     `bson:"handler_type"`
	HandlerConfiguration []byte     `bson:"handler_configuration,omitempty"`
	DueDate              *time.Time `bson:"due_date,omitempty"`
	Retries              int        `bson:"retries"`
	Attempts             int        `bson:"attempts"`
	LastChance           bool       `bson:"last_chance"`
	ExceptionMessage     string     `bson:"exception_message,omitempty"`
	ExceptionStacktrace  string     `bson:"exception_stacktrace,omitempty"`
	CorrelationID        string     `bson:"correlation_id"`
	Exclusive            bool       `bson:"exclusive"`
	ScopeType            string     `bson:"scope_type"`
	ScopeID              string     `bson:"scope_id"`
	SubScopeID           string     `bson:"sub_scope_id"`
	ExecutionID          string     `bson:"execution_id"`
	DeploymentID         string     `bson:"deployment_id"`
	ElementID            string     `bson:"element_id,omitempty"`
	TenantID             string     `bson:"tenant_id"`
	LockOwner            string     `bson:"lock_owner"`
	LockExpirationTime   *time.Time `bson:"lock_expiration_time,omitempty"`
	Repeat               string     `bson:"repeat,omitempty"`
	MaxIterations        int        `bson:"max_iterations,omitempty"`
	Iteration            int        `bson:"iteration,omitempty"`
	EndDate              *time.Time `bson:"end_date,omitempty"`
	OriginShape          string     `bson:"origin_shape,omitempty"`
	CreatedAt            time.Time  `bson:"created_at"`
	UpdatedAt            time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:                   j.ID.String(),
		Shape:                string(j.Shape),
		Revision:             j.Revision,
		HandlerType:          j.HandlerType,
		HandlerConfiguration: j.HandlerConfiguration,
		DueDate:              j.DueDate,
		Retries:              j.Retries,
		Attempts:             j.Attempts,
		LastChance:           j.LastChance,
		ExceptionMessage:     j.ExceptionMessage,
		ExceptionStacktrace:  j.ExceptionStacktrace,
		CorrelationID:        j.CorrelationID,
		Exclusive:            j.Exclusive,
		ScopeType:            j.ScopeType,
		ScopeID:              j.ScopeID,
		SubScopeID:           j.SubScopeID,
		ExecutionID:          j.ExecutionID,
		DeploymentID:         j.DeploymentID,
		ElementID:            j.ElementID,
		TenantID:             j.TenantID,
		LockOwner:            j.LockOwner,
		LockExpirationTime:   j.LockExpirationTime,
		Repeat:               j.Repeat,
		MaxIterations:        j.MaxIterations,
		Iteration:            j.Iteration,
		EndDate:              j.EndDate,
		OriginShape:          string(j.OriginShape),
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("jobservice/mongo: parse job id %q: %w", m.ID, err)
	}

	return &job.Job{
		Entity: jobservice.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                   parsedID,
		Shape:                job.Shape(m.Shape),
		Revision:             m.Revision,
		HandlerType:          m.HandlerType,
		HandlerConfiguration: m.HandlerConfiguration,
		DueDate:              m.DueDate,
		Retries:              m.Retries,
		Attempts:             m.Attempts,
		LastChance:           m.LastChance,
		ExceptionMessage:     m.ExceptionMessage,
		ExceptionStacktrace:  m.ExceptionStacktrace,
		CorrelationID:        m.CorrelationID,
		Exclusive:            m.Exclusive,
		ScopeType:            m.ScopeType,
		ScopeID:              m.ScopeID,
		SubScopeID:           m.SubScopeID,
		ExecutionID:          m.ExecutionID,
		DeploymentID:         m.DeploymentID,
		ElementID:            m.ElementID,
		TenantID:             m.TenantID,
		LockOwner:            m.LockOwner,
		LockExpirationTime:   m.LockExpirationTime,
		Repeat:               m.Repeat,
		MaxIterations:        m.MaxIterations,
		Iteration:            m.Iteration,
		EndDate:              m.EndDate,
		OriginShape:          job.Shape(m.OriginShape),
	}, nil
}
