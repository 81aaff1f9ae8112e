package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobservice/job"
)

// Logging returns middleware that logs job start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		logger.Debug("job started",
			slog.String("handler_type", j.HandlerType),
			slog.String("job_id", j.ID.String()),
			slog.String("shape", string(j.Shape)),
			slog.Int("retries", j.Retries),
		)

		start := time.Now()
		res := next(ctx)
		elapsed := time.Since(start)

		if res.Failed() {
			logger.Error("job failed",
				slog.String("handler_type", j.HandlerType),
				slog.String("job_id", j.ID.String()),
				slog.String("outcome", res.Outcome.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", res.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("handler_type", j.HandlerType),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return res
	}
}
