// Package middleware provides composable middleware for job execution.
//
// A [Middleware] is a function that wraps a job handler. Middleware are
// composed into a chain using [Chain] and applied before each job executes.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs handler type, shape, duration and outcome
//   - [Recover] catches panics and turns them into recoverable failures
//   - [Timeout] cancels the job context after a configured duration
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-job duration and outcome counters
//   - [Scope] resolves the job's variable scope and commits it on success
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) job.Result {
//	        // pre-processing
//	        res := next(ctx)
//	        // post-processing
//	        return res
//	    }
//	}
//
// A middleware that short-circuits returns its own [job.Result]; a
// Fatal result sends the job straight to the dead letter shape.
package middleware
