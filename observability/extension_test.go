package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/observability"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Shape:       job.ShapeReady,
		HandlerType: "send-email",
	}
}

// counterValue sums every data point of the named counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		metric string
		fire   func(e *observability.MetricsExtension, j *job.Job) error
	}{
		{"jobservice.job.created", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobCreated(ctx, j) }},
		{"jobservice.job.started", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobStarted(ctx, j) }},
		{"jobservice.job.completed", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobCompleted(ctx, j, time.Second)
		}},
		{"jobservice.job.retried", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobRetrying(ctx, j, boom, time.Now())
		}},
		{"jobservice.job.dead_lettered", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobDeadLettered(ctx, j, boom)
		}},
		{"jobservice.job.suspended", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobSuspended(ctx, j) }},
		{"jobservice.job.activated", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobActivated(ctx, j) }},
		{"jobservice.job.unacquired", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobUnacquired(ctx, j, "pool full")
		}},
		{"jobservice.timer.promoted", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnTimerPromoted(ctx, j, nil)
		}},
		{"jobservice.history.failed", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnHistoryFailed(ctx, j, boom, true)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			e, reader := newTestExtension()
			for range 2 {
				if err := tt.fire(e, newTestJob()); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if got := counterValue(t, reader, tt.metric); got != 2 {
				t.Errorf("%s = %d, want 2", tt.metric, got)
			}
		})
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnJobCompleted(context.Background(), newTestJob(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
