package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobservice/job"
)

// Timeout returns middleware that enforces an execution deadline. limit
// picks the deadline per job; a non-positive duration means none. When
// the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded. A handler that ignores the
// cancellation and reports success still succeeds.
func Timeout(logger *slog.Logger, limit func(*job.Job) time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		d := limit(j)
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("job timeout set",
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

// Fixed returns a Timeout limit applying d to every job.
func Fixed(d time.Duration) func(*job.Job) time.Duration {
	return func(*job.Job) time.Duration { return d }
}

// PerHandler returns a Timeout limit looked up by handler type, falling
// back to def.
func PerHandler(limits map[string]time.Duration, def time.Duration) func(*job.Job) time.Duration {
	return func(j *job.Job) time.Duration {
		if d, ok := limits[j.HandlerType]; ok {
			return d
		}
		return def
	}
}
