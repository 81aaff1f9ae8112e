package manager

import (
	"context"
	"log/slog"

	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// ScheduleHistoryJob persists j in the history shape under a history
// job ID. History jobs run through their own processor chain and retry
// budget.
func (m *Manager) ScheduleHistoryJob(ctx context.Context, j *job.Job) error {
	j.Shape = job.ShapeHistory
	if j.ID.Prefix() != id.PrefixHistoryJob {
		j.ID = id.NewHistoryJobID()
	}
	if j.Retries <= 0 {
		j.Retries = m.config.HistoryRetries
	}
	return m.create(ctx, j, m.historyProcessors)
}

// recordHistory schedules a history job for an outcome of a primary
// job. Failures are logged and never affect the primary transition.
func (m *Manager) recordHistory(ctx context.Context, handlerType string, src *job.Job, cause error) {
	if !m.config.HistoryEnabled || src.Shape == job.ShapeHistory || src.ID.Prefix() == id.PrefixHistoryJob {
		return
	}

	hj, err := job.NewHistoryJob(handlerType, src, cause, m.clock())
	if err == nil {
		err = m.ScheduleHistoryJob(ctx, hj)
	}
	if err != nil {
		m.logger.Warn("record history failed",
			slog.String("job_id", src.ID.String()),
			slog.String("history_type", handlerType),
			slog.String("error", err.Error()),
		)
	}
}
