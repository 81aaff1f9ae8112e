package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// record is the msgpack form of a job.
type record struct {
	ID                   string     `msgpack:"id"`
	Shape                string     `msgpack:"shape"`
	Revision             int64      `msgpack:"rev"`
	HandlerType          string     `msgpack:"ht"`
	HandlerConfiguration []byte     `msgpack:"hc,omitempty"`
	DueDate              *time.Time `msgpack:"due,omitempty"`
	Retries              int        `msgpack:"retries"`
	Attempts             int        `msgpack:"attempts"`
	LastChance           bool       `msgpack:"lc,omitempty"`
	ExceptionMessage     string     `msgpack:"exm,omitempty"`
	ExceptionStacktrace  string     `msgpack:"exs,omitempty"`
	CorrelationID        string     `msgpack:"corr,omitempty"`
	Exclusive            bool       `msgpack:"excl"`
	ScopeType            string     `msgpack:"st,omitempty"`
	ScopeID              string     `msgpack:"sid,omitempty"`
	SubScopeID           string     `msgpack:"ssid,omitempty"`
	ExecutionID          string     `msgpack:"exec,omitempty"`
	DeploymentID         string     `msgpack:"dep,omitempty"`
	ElementID            string     `msgpack:"elem,omitempty"`
	TenantID             string     `msgpack:"tenant,omitempty"`
	LockOwner            string     `msgpack:"lo,omitempty"`
	LockExpirationTime   *time.Time `msgpack:"lexp,omitempty"`
	Repeat               string     `msgpack:"rep,omitempty"`
	MaxIterations        int        `msgpack:"maxit,omitempty"`
	Iteration            int        `msgpack:"it,omitempty"`
	EndDate              *time.Time `msgpack:"end,omitempty"`
	OriginShape          string     `msgpack:"origin,omitempty"`
	CreatedAt            time.Time  `msgpack:"ca"`
	UpdatedAt            time.Time  `msgpack:"ua"`
}

func encodeJob(j *job.Job) ([]byte, error) {
	data, err := msgpack.Marshal(&record{
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
	})
	if err != nil {
		return nil, fmt.Errorf("jobservice/redis: encode job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*job.Job, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("jobservice/redis: decode job: %w", err)
	}
	parsedID, err := id.ParseJobID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("jobservice/redis: parse job id %q: %w", r.ID, err)
	}
	return &job.Job{
		Entity:               jobservice.Entity{CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
		ID:                   parsedID,
		Shape:                job.Shape(r.Shape),
		Revision:             r.Revision,
		HandlerType:          r.HandlerType,
		HandlerConfiguration: r.HandlerConfiguration,
		DueDate:              r.DueDate,
		Retries:              r.Retries,
		Attempts:             r.Attempts,
		LastChance:           r.LastChance,
		ExceptionMessage:     r.ExceptionMessage,
		ExceptionStacktrace:  r.ExceptionStacktrace,
		CorrelationID:        r.CorrelationID,
		Exclusive:            r.Exclusive,
		ScopeType:            r.ScopeType,
		ScopeID:              r.ScopeID,
		SubScopeID:           r.SubScopeID,
		ExecutionID:          r.ExecutionID,
		DeploymentID:         r.DeploymentID,
		ElementID:            r.ElementID,
		TenantID:             r.TenantID,
		LockOwner:            r.LockOwner,
		LockExpirationTime:   r.LockExpirationTime,
		Repeat:               r.Repeat,
		MaxIterations:        r.MaxIterations,
		Iteration:            r.Iteration,
		EndDate:              r.EndDate,
		OriginShape:          job.Shape(r.OriginShape),
	}, nil
}

// dueScore orders a shape index. Jobs without a due date score zero and
// fall back to member order, which for K-sortable IDs is creation order.
func dueScore(j *job.Job) float64 {
	if j.DueDate == nil {
		return 0
	}
	return float64(j.DueDate.UnixMilli())
}

// scopeLease is the value of a scope key: the holder and its lease end.
type scopeLease struct {
	holder  string
	expires time.Time
}

func (l scopeLease) String() string {
	return l.holder + "|" + strconv.FormatInt(l.expires.UnixMilli(), 10)
}

func (l scopeLease) liveFor(jobID string, now time.Time) bool {
	return l.holder != "" && l.holder != jobID && l.expires.After(now)
}

func parseScopeLease(v string) scopeLease {
	holder, ms, ok := strings.Cut(v, "|")
	if !ok {
		return scopeLease{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return scopeLease{}
	}
	return scopeLease{holder: holder, expires: time.UnixMilli(n)}
}
