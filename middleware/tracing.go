package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobservice/job"
)

// tracerName is the instrumentation scope name for job tracing.
const tracerName = "github.com/xraph/jobservice"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes include: jobservice.job.id, jobservice.handler_type,
// jobservice.shape, jobservice.retries, jobservice.scope.type,
// jobservice.scope.id and jobservice.execution_id. On failure the span
// status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		ctx, span := tracer.Start(ctx, "jobservice.job.execute",
			trace.WithAttributes(
				attribute.String("jobservice.job.id", j.ID.String()),
				attribute.String("jobservice.handler_type", j.HandlerType),
				attribute.String("jobservice.shape", string(j.Shape)),
				attribute.Int("jobservice.retries", j.Retries),
				attribute.String("jobservice.scope.type", j.ScopeType),
				attribute.String("jobservice.scope.id", j.ScopeID),
				attribute.String("jobservice.execution_id", j.ExecutionID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res := next(ctx)
		span.SetAttributes(attribute.String("jobservice.outcome", res.Outcome.String()))
		if res.Failed() {
			if res.Err != nil {
				span.RecordError(res.Err)
			}
			span.SetStatus(codes.Error, res.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return res
	}
}
