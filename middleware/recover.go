package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/jobservice/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// A panic becomes a recoverable failure and is logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (res job.Result) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("handler_type", j.HandlerType),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				res = job.Recoverable(fmt.Errorf("panic in job %s: %v", j.HandlerType, r))
			}
		}()
		return next(ctx)
	}
}
