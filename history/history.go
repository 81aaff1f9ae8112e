// Package history runs the history job pipeline: the same acquire and
// execute loop as primary jobs, but over history-shape records, with its
// own handler registry, schedule and processor chain. Its failures are
// retried and eventually dropped; they never touch primary jobs.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/scope"
)

// Sink receives the decoded history entries.
type Sink interface {
	Record(ctx context.Context, kind string, entry job.HistoryEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, kind string, entry job.HistoryEntry) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, kind string, entry job.HistoryEntry) error {
	return f(ctx, kind, entry)
}

// NewRegistry returns a handler registry whose history handlers decode
// each entry and pass it to sink. An undecodable entry is fatal; a sink
// error is retried.
func NewRegistry(sink Sink) *job.Registry {
	r := job.NewRegistry()
	RegisterSink(r, sink)
	return r
}

// RegisterSink binds the built-in history kinds of r to sink. Other
// history types registered on r are left alone.
func RegisterSink(r *job.Registry, sink Sink) {
	for _, kind := range []string{job.HistoryJobCompleted, job.HistoryJobDeadLettered} {
		r.Register(kind, handler(kind, sink))
	}
}

func handler(kind string, sink Sink) job.HandlerFunc {
	return func(ctx context.Context, j *job.Job, _ scope.VariableScope) job.Result {
		entry, err := job.DecodeHistoryEntry(j)
		if err != nil {
			return job.Fatal(err)
		}
		if err := sink.Record(ctx, kind, entry); err != nil {
			return job.ResultOf(fmt.Errorf("record %s: %w", kind, err))
		}
		return job.OK()
	}
}

// LogSink writes every history entry to logger.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(ctx context.Context, kind string, e job.HistoryEntry) error {
		logger.InfoContext(ctx, "job history",
			slog.String("kind", kind),
			slog.String("job_id", e.JobID),
			slog.String("handler_type", e.HandlerType),
			slog.String("scope_id", e.ScopeID),
			slog.String("execution_id", e.ExecutionID),
			slog.String("tenant_id", e.TenantID),
			slog.Int("attempts", e.Attempts),
			slog.String("error", e.Error),
			slog.Time("at", e.At),
		)
		return nil
	})
}

// Record is one entry kept by a MemorySink.
type Record struct {
	Kind  string
	Entry job.HistoryEntry
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, kind string, entry job.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{Kind: kind, Entry: entry})
	return nil
}

// Records returns a copy of the recorded entries.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
