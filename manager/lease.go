package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/job"
)

// LeaseJob writes a lease for owner on j, conditional on the revision j
// was read at. It fails with jobservice.ErrStaleState when another
// worker won the race and jobservice.ErrScopeLocked when a sibling
// exclusive job holds its scope. On success j carries the lease.
func (m *Manager) LeaseJob(ctx context.Context, j *job.Job, owner string, now time.Time) error {
	if !j.Shape.Executable() {
		return fmt.Errorf("%w: cannot lease %s job %s", jobservice.ErrInvalidShape, j.Shape, j.ID)
	}
	leased := j.Clone()
	leased.LockOwner = owner
	leased.LockExpirationTime = job.TimePtr(now.Add(m.config.LeaseDuration))
	if err := m.store.UpdateJob(ctx, leased, j.Revision); err != nil {
		return err
	}
	*j = *leased
	return nil
}

// UnacquireJob reverts a lease that was never handed to an executor.
// The job keeps its retries and becomes eligible again immediately.
// Losing the revision race is not an error: someone else already
// changed the job.
func (m *Manager) UnacquireJob(ctx context.Context, j *job.Job, reason string) error {
	released := j.Clone()
	released.ClearLease()
	err := m.store.UpdateJob(ctx, released, j.Revision)
	if errors.Is(err, jobservice.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unacquire job %s: %w", j.ID, err)
	}
	*j = *released

	m.exts.EmitJobUnacquired(ctx, j, reason)
	m.logger.Debug("job unacquired",
		slog.String("job_id", j.ID.String()),
		slog.String("reason", reason),
	)
	return nil
}

// CompleteJob removes a successfully executed job. It returns
// jobservice.ErrLeaseExpired when the lease was lost in the meantime,
// in which case the outcome is discarded.
func (m *Manager) CompleteJob(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	err := m.store.DeleteJob(ctx, j.ID, j.Revision)
	if errors.Is(err, jobservice.ErrStaleState) {
		return m.leaseLost(j, "complete")
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", j.ID, err)
	}

	m.exts.EmitJobCompleted(ctx, j, elapsed)
	m.recordHistory(ctx, job.HistoryJobCompleted, j, nil)
	return nil
}

// HandleFailure advances a failed primary job. Fatal results and jobs
// out of retries are dead-lettered; anything else is requeued with its
// due date pushed out by the backoff. With LastChanceVisible a job
// whose retries reach zero stays executable for one final attempt.
func (m *Manager) HandleFailure(ctx context.Context, j *job.Job, res job.Result) error {
	cause := failureCause(res)
	now := m.clock()

	failed := j.Clone()
	failed.Attempts++
	if failed.Retries > 0 {
		failed.Retries--
	}
	failed.ClearLease()
	setException(failed, cause)

	requeue := res.Outcome != job.OutcomeFatal && !j.LastChance &&
		(failed.Retries > 0 || m.config.LastChanceVisible)
	if !requeue {
		return m.deadLetterLeased(ctx, j, failed, cause)
	}

	if failed.Retries == 0 {
		failed.LastChance = true
	}
	nextDue := now.Add(m.backoff.Delay(failed.Attempts))
	failed.DueDate = job.TimePtr(nextDue)

	if err := m.store.UpdateJob(ctx, failed, j.Revision); err != nil {
		if errors.Is(err, jobservice.ErrStaleState) {
			return m.leaseLost(j, "retry")
		}
		return fmt.Errorf("requeue job %s: %w", j.ID, err)
	}
	*j = *failed

	m.exts.EmitJobRetrying(ctx, j, cause, nextDue)
	m.logger.Info("job requeued after failure",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.Int("attempt", j.Attempts),
		slog.Int("retries_left", j.Retries),
		slog.Bool("last_chance", j.LastChance),
		slog.Time("next_due", nextDue),
		slog.String("error", cause.Error()),
	)
	return nil
}

// HandleHistoryFailure advances a failed history job. Its failures never
// reach the primary pipeline: the job is retried with backoff and, once
// exhausted, dropped or (with HistoryDeadLetter) parked as a dead letter.
func (m *Manager) HandleHistoryFailure(ctx context.Context, j *job.Job, res job.Result) error {
	cause := failureCause(res)

	failed := j.Clone()
	failed.Attempts++
	if failed.Retries > 0 {
		failed.Retries--
	}
	failed.ClearLease()
	setException(failed, cause)

	if res.Outcome != job.OutcomeFatal && failed.Retries > 0 {
		failed.DueDate = job.TimePtr(m.clock().Add(m.historyBackoff.Delay(failed.Attempts)))
		if err := m.store.UpdateJob(ctx, failed, j.Revision); err != nil {
			if errors.Is(err, jobservice.ErrStaleState) {
				return m.leaseLost(j, "history retry")
			}
			return fmt.Errorf("requeue history job %s: %w", j.ID, err)
		}
		*j = *failed
		m.exts.EmitHistoryFailed(ctx, j, cause, false)
		m.logger.Warn("history job failed; retrying",
			slog.String("job_id", j.ID.String()),
			slog.String("handler_type", j.HandlerType),
			slog.Int("retries_left", j.Retries),
			slog.String("error", cause.Error()),
		)
		return nil
	}

	if m.config.HistoryDeadLetter {
		if err := m.deadLetterLeased(ctx, j, failed, cause); err != nil {
			return err
		}
	} else {
		err := m.store.DeleteJob(ctx, j.ID, j.Revision)
		if errors.Is(err, jobservice.ErrStaleState) {
			return m.leaseLost(j, "history drop")
		}
		if err != nil {
			return fmt.Errorf("drop history job %s: %w", j.ID, err)
		}
	}

	m.exts.EmitHistoryFailed(ctx, j, cause, true)
	m.logger.Error("history job dropped after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.Bool("dead_lettered", m.config.HistoryDeadLetter),
		slog.String("error", cause.Error()),
	)
	return nil
}

// deadLetterLeased moves a leased job to the dead letter shape, mapping
// a lost race to jobservice.ErrLeaseExpired.
func (m *Manager) deadLetterLeased(ctx context.Context, j, failed *job.Job, cause error) error {
	failed.Shape = job.ShapeDeadLetter
	failed.Retries = 0
	failed.LastChance = false
	failed.DueDate = nil

	if err := m.store.MoveJob(ctx, failed, j.Shape, j.Revision); err != nil {
		if errors.Is(err, jobservice.ErrStaleState) {
			return m.leaseLost(j, "dead letter")
		}
		return fmt.Errorf("dead letter job %s: %w", j.ID, err)
	}
	*j = *failed

	m.exts.EmitJobDeadLettered(ctx, j, cause)
	m.logger.Warn("job moved to dead letter",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.Int("attempts", j.Attempts),
		slog.String("error", cause.Error()),
	)
	m.recordHistory(ctx, job.HistoryJobDeadLettered, j, cause)
	return nil
}

func (m *Manager) leaseLost(j *job.Job, op string) error {
	m.logger.Warn("job lease lost; outcome discarded",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.String("lock_owner", j.LockOwner),
		slog.String("op", op),
	)
	return fmt.Errorf("%s job %s: %w", op, j.ID, jobservice.ErrLeaseExpired)
}

func failureCause(res job.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return errors.New(res.Outcome.String())
}
