// Package processor runs user callbacks against a job at two fixed
// points of its life: right before it is first persisted and right
// before its handler executes. Processors may adjust the job's payload
// and metadata or reject it outright; identity, shape, revision and
// lease fields are restored after the chain so a processor can never
// move a job or steal a lease. Before execution the retry budget,
// exclusivity, due date and scope are restored as well.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// Phase names the point at which a chain runs.
type Phase string

const (
	PhaseBeforeCreate  Phase = "before_create"
	PhaseBeforeExecute Phase = "before_execute"
)

// Context is handed to each processor.
type Context struct {
	Phase Phase
	Job   *job.Job

	rejected string
}

// Reject stops the chain. At create time the job is not persisted; at
// execute time it is dead-lettered.
func (c *Context) Reject(reason string) {
	if reason == "" {
		reason = "rejected"
	}
	c.rejected = reason
}

// Rejected reports whether a processor rejected the job.
func (c *Context) Rejected() bool { return c.rejected != "" }

// Processor inspects or mutates a job.
type Processor interface {
	Process(ctx context.Context, pc *Context)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, pc *Context)

// Process calls f.
func (f Func) Process(ctx context.Context, pc *Context) { f(ctx, pc) }

// OnPhase returns a processor that only runs at phase p.
func OnPhase(p Phase, fn Func) Processor {
	return Func(func(ctx context.Context, pc *Context) {
		if pc.Phase == p {
			fn(ctx, pc)
		}
	})
}

// Chain is an ordered list of processors. A nil *Chain runs nothing.
type Chain struct {
	procs []Processor
}

// NewChain builds a chain that runs procs in order.
func NewChain(procs ...Processor) *Chain {
	return &Chain{procs: procs}
}

// Use appends processors to the chain.
func (c *Chain) Use(procs ...Processor) {
	c.procs = append(c.procs, procs...)
}

// Len returns the number of processors.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.procs)
}

// Run applies the chain to j in place. It returns an error wrapping
// jobservice.ErrJobRejected if a processor rejected the job; the
// remaining processors are skipped.
func (c *Chain) Run(ctx context.Context, phase Phase, j *job.Job) error {
	if c.Len() == 0 {
		return nil
	}

	saved := snapshot(j, phase)
	defer saved.restore(j)

	pc := &Context{Phase: phase, Job: j}
	for _, p := range c.procs {
		p.Process(ctx, pc)
		if pc.Rejected() {
			return fmt.Errorf("%w at %s: %s", jobservice.ErrJobRejected, phase, pc.rejected)
		}
	}
	return nil
}

type controlFields struct {
	entity      jobservice.Entity
	id          id.JobID
	shape       job.Shape
	originShape job.Shape
	revision    int64
	owner       string
	expiration  *time.Time

	// Set at PhaseBeforeExecute only: a leased job's retry budget,
	// exclusivity, due date and scope are fixed.
	leased *leasedFields
}

type leasedFields struct {
	retries    int
	lastChance bool
	exclusive  bool
	dueDate    *time.Time
	scopeType  string
	scopeID    string
	subScopeID string
}

func snapshot(j *job.Job, phase Phase) controlFields {
	cf := controlFields{
		entity:      j.Entity,
		id:          j.ID,
		shape:       j.Shape,
		originShape: j.OriginShape,
		revision:    j.Revision,
		owner:       j.LockOwner,
	}
	if j.LockExpirationTime != nil {
		cf.expiration = job.TimePtr(*j.LockExpirationTime)
	}
	if phase == PhaseBeforeExecute {
		lf := &leasedFields{
			retries:    j.Retries,
			lastChance: j.LastChance,
			exclusive:  j.Exclusive,
			scopeType:  j.ScopeType,
			scopeID:    j.ScopeID,
			subScopeID: j.SubScopeID,
		}
		if j.DueDate != nil {
			lf.dueDate = job.TimePtr(*j.DueDate)
		}
		cf.leased = lf
	}
	return cf
}

func (cf controlFields) restore(j *job.Job) {
	j.Entity = cf.entity
	j.ID = cf.id
	j.Shape = cf.shape
	j.OriginShape = cf.originShape
	j.Revision = cf.revision
	j.LockOwner = cf.owner
	j.LockExpirationTime = cf.expiration

	if lf := cf.leased; lf != nil {
		j.Retries = lf.retries
		j.LastChance = lf.lastChance
		j.Exclusive = lf.exclusive
		j.DueDate = lf.dueDate
		j.ScopeType = lf.scopeType
		j.ScopeID = lf.scopeID
		j.SubScopeID = lf.subScopeID
	}
}
