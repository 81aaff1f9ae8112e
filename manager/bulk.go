package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// maxStaleRetries bounds how often a bulk operation re-reads one job
// that keeps changing underneath it.
const maxStaleRetries = 5

// errSkip tells retryStale the job no longer qualifies.
var errSkip = errors.New("skip")

// retryStale applies fn to j, re-reading and retrying on a lost revision
// race. It reports whether fn succeeded; a job that disappeared or no
// longer qualifies is not an error.
func (m *Manager) retryStale(ctx context.Context, j *job.Job, fn func(cur *job.Job) error) (bool, error) {
	cur := j
	for range maxStaleRetries {
		err := fn(cur)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, errSkip):
			return false, nil
		case !errors.Is(err, jobservice.ErrStaleState):
			return false, err
		}

		cur, err = m.store.GetJob(ctx, j.ID)
		if errors.Is(err, jobservice.ErrJobNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("job %s: %w after %d attempts", j.ID, jobservice.ErrStaleState, maxStaleRetries)
}

// each runs fn over every job matching q and counts successes. It
// stops at the first hard error.
func (m *Manager) each(ctx context.Context, q job.Query, fn func(cur *job.Job) error) (int, error) {
	jobs, err := m.store.ListJobs(ctx, q)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		ok, err := m.retryStale(ctx, j, fn)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// SuspendScope suspends every timer, executable and dead letter job of
// a scope and returns how many were suspended.
func (m *Manager) SuspendScope(ctx context.Context, scopeType, scopeID string) (int, error) {
	total := 0
	for _, shape := range []job.Shape{job.ShapeReady, job.ShapeTimer, job.ShapeDeadLetter} {
		n, err := m.each(ctx, job.Query{Shape: shape, ScopeType: scopeType, ScopeID: scopeID},
			func(cur *job.Job) error {
				if cur.Shape != job.ShapeReady && cur.Shape != job.ShapeTimer && cur.Shape != job.ShapeDeadLetter {
					return errSkip
				}
				return m.MoveJobToSuspendedJob(ctx, cur)
			})
		total += n
		if err != nil {
			return total, err
		}
	}

	m.logger.Info("scope suspended",
		slog.String("scope_type", scopeType),
		slog.String("scope_id", scopeID),
		slog.Int("jobs", total),
	)
	return total, nil
}

// ActivateScope activates every suspended job of a scope.
func (m *Manager) ActivateScope(ctx context.Context, scopeType, scopeID string) (int, error) {
	n, err := m.each(ctx, job.Query{Shape: job.ShapeSuspended, ScopeType: scopeType, ScopeID: scopeID},
		func(cur *job.Job) error {
			if cur.Shape != job.ShapeSuspended {
				return errSkip
			}
			return m.ActivateSuspendedJob(ctx, cur)
		})

	m.logger.Info("scope activated",
		slog.String("scope_type", scopeType),
		slog.String("scope_id", scopeID),
		slog.Int("jobs", n),
	)
	return n, err
}

// DeleteJobsByExecutionID removes every non-history job created by an
// execution, whatever its shape. Jobs leased by a worker are deleted
// too; that worker's completion then fails with ErrLeaseExpired.
func (m *Manager) DeleteJobsByExecutionID(ctx context.Context, executionID string) (int, error) {
	if executionID == "" {
		return 0, errors.New("manager: execution id required")
	}
	return m.deleteMatching(ctx, job.Query{ExecutionID: executionID})
}

// DeleteJobsByScope removes every non-history job of a scope.
func (m *Manager) DeleteJobsByScope(ctx context.Context, scopeType, scopeID string) (int, error) {
	if scopeID == "" {
		return 0, errors.New("manager: scope id required")
	}
	return m.deleteMatching(ctx, job.Query{ScopeType: scopeType, ScopeID: scopeID})
}

func (m *Manager) deleteMatching(ctx context.Context, q job.Query) (int, error) {
	n, err := m.each(ctx, q, func(cur *job.Job) error {
		if cur.Shape == job.ShapeHistory {
			return errSkip
		}
		return m.store.DeleteJob(ctx, cur.ID, cur.Revision)
	})
	m.logger.Debug("jobs deleted",
		slog.String("execution_id", q.ExecutionID),
		slog.String("scope_id", q.ScopeID),
		slog.Int("jobs", n),
	)
	return n, err
}

// CancelJob deletes a single job in any shape.
func (m *Manager) CancelJob(ctx context.Context, jobID id.JobID) error {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = m.retryStale(ctx, j, func(cur *job.Job) error {
		return m.store.DeleteJob(ctx, cur.ID, cur.Revision)
	})
	return err
}

// UpdateTenantIDForDeployment re-tenants every job of a deployment.
func (m *Manager) UpdateTenantIDForDeployment(ctx context.Context, deploymentID, tenantID string) (int, error) {
	if deploymentID == "" {
		return 0, errors.New("manager: deployment id required")
	}
	n, err := m.each(ctx, job.Query{DeploymentID: deploymentID}, func(cur *job.Job) error {
		if cur.TenantID == tenantID {
			return errSkip
		}
		next := cur.Clone()
		next.TenantID = tenantID
		return m.store.UpdateJob(ctx, next, cur.Revision)
	})

	m.logger.Info("deployment re-tenanted",
		slog.String("deployment_id", deploymentID),
		slog.String("tenant_id", tenantID),
		slog.Int("jobs", n),
	)
	return n, err
}
