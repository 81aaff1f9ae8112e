package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobCreated      = (*MetricsExtension)(nil)
	_ ext.JobStarted      = (*MetricsExtension)(nil)
	_ ext.JobCompleted    = (*MetricsExtension)(nil)
	_ ext.JobRetrying     = (*MetricsExtension)(nil)
	_ ext.JobDeadLettered = (*MetricsExtension)(nil)
	_ ext.JobSuspended    = (*MetricsExtension)(nil)
	_ ext.JobActivated    = (*MetricsExtension)(nil)
	_ ext.JobUnacquired   = (*MetricsExtension)(nil)
	_ ext.TimerPromoted   = (*MetricsExtension)(nil)
	_ ext.HistoryFailed   = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope of the lifecycle counters.
const meterName = "github.com/xraph/jobservice/observability"

// MetricsExtension records lifecycle counters through an OTel meter.
// Every counter carries the handler_type attribute.
type MetricsExtension struct {
	JobCreated      metric.Int64Counter
	JobStarted      metric.Int64Counter
	JobCompleted    metric.Int64Counter
	JobRetried      metric.Int64Counter
	JobDeadLettered metric.Int64Counter
	JobSuspended    metric.Int64Counter
	JobActivated    metric.Int64Counter
	JobUnacquired   metric.Int64Counter
	TimerPromoted   metric.Int64Counter
	HistoryFailed   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// On error the API returns a noop instrument.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		JobCreated:      counter("jobservice.job.created", "Jobs persisted"),
		JobStarted:      counter("jobservice.job.started", "Job executions started"),
		JobCompleted:    counter("jobservice.job.completed", "Jobs completed"),
		JobRetried:      counter("jobservice.job.retried", "Failed jobs requeued"),
		JobDeadLettered: counter("jobservice.job.dead_lettered", "Jobs moved to the dead letter shape"),
		JobSuspended:    counter("jobservice.job.suspended", "Jobs suspended"),
		JobActivated:    counter("jobservice.job.activated", "Suspended jobs activated"),
		JobUnacquired:   counter("jobservice.job.unacquired", "Leases reverted before execution"),
		TimerPromoted:   counter("jobservice.timer.promoted", "Timers promoted to executable jobs"),
		HistoryFailed:   counter("jobservice.history.failed", "History job failures"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func handlerAttr(j *job.Job, extra ...attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(append([]attribute.KeyValue{attribute.String("handler_type", j.HandlerType)}, extra...)...)
}

// OnJobCreated implements ext.JobCreated.
func (m *MetricsExtension) OnJobCreated(ctx context.Context, j *job.Job) error {
	m.JobCreated.Add(ctx, 1, handlerAttr(j, attribute.String("shape", string(j.Shape))))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.JobStarted.Add(ctx, 1, handlerAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobCompleted.Add(ctx, 1, handlerAttr(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ error, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, handlerAttr(j, attribute.Bool("last_chance", j.LastChance)))
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(ctx context.Context, j *job.Job, _ error) error {
	m.JobDeadLettered.Add(ctx, 1, handlerAttr(j))
	return nil
}

// OnJobSuspended implements ext.JobSuspended.
func (m *MetricsExtension) OnJobSuspended(ctx context.Context, j *job.Job) error {
	m.JobSuspended.Add(ctx, 1, handlerAttr(j))
	return nil
}

// OnJobActivated implements ext.JobActivated.
func (m *MetricsExtension) OnJobActivated(ctx context.Context, j *job.Job) error {
	m.JobActivated.Add(ctx, 1, handlerAttr(j))
	return nil
}

// OnJobUnacquired implements ext.JobUnacquired.
func (m *MetricsExtension) OnJobUnacquired(ctx context.Context, j *job.Job, reason string) error {
	m.JobUnacquired.Add(ctx, 1, handlerAttr(j, attribute.String("reason", reason)))
	return nil
}

// OnTimerPromoted implements ext.TimerPromoted.
func (m *MetricsExtension) OnTimerPromoted(ctx context.Context, fired, next *job.Job) error {
	m.TimerPromoted.Add(ctx, 1, handlerAttr(fired, attribute.Bool("repeating", next != nil)))
	return nil
}

// OnHistoryFailed implements ext.HistoryFailed.
func (m *MetricsExtension) OnHistoryFailed(ctx context.Context, j *job.Job, _ error, dropped bool) error {
	m.HistoryFailed.Add(ctx, 1, handlerAttr(j, attribute.Bool("dropped", dropped)))
	return nil
}
