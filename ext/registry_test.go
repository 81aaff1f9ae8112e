package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/job"
)

// recorder implements every lifecycle hook.
type recorder struct {
	name  string
	calls *[]string
}

func (e *recorder) Name() string { return e.name }

func (e *recorder) log(hook string) error {
	*e.calls = append(*e.calls, e.name+":"+hook)
	return nil
}

func (e *recorder) OnJobCreated(context.Context, *job.Job) error { return e.log("created") }
func (e *recorder) OnJobStarted(context.Context, *job.Job) error { return e.log("started") }
func (e *recorder) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	return e.log("completed")
}
func (e *recorder) OnJobRetrying(context.Context, *job.Job, error, time.Time) error {
	return e.log("retrying")
}
func (e *recorder) OnJobDeadLettered(context.Context, *job.Job, error) error {
	return e.log("deadlettered")
}
func (e *recorder) OnJobSuspended(context.Context, *job.Job) error { return e.log("suspended") }
func (e *recorder) OnJobActivated(context.Context, *job.Job) error { return e.log("activated") }
func (e *recorder) OnJobUnacquired(context.Context, *job.Job, string) error {
	return e.log("unacquired")
}
func (e *recorder) OnTimerPromoted(context.Context, *job.Job, *job.Job) error {
	return e.log("promoted")
}
func (e *recorder) OnHistoryFailed(context.Context, *job.Job, error, bool) error {
	return e.log("historyfailed")
}
func (e *recorder) OnShutdown(context.Context) error { return e.log("shutdown") }

// completedOnly implements a single hook.
type completedOnly struct{ count int }

func (e *completedOnly) Name() string { return "completed-only" }

func (e *completedOnly) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	e.count++
	return nil
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) OnJobCreated(context.Context, *job.Job) error {
	return errors.New("hook exploded")
}

func TestRegistry_AllHooksFire(t *testing.T) {
	var calls []string
	r := ext.NewRegistry(slog.Default())
	r.Register(&recorder{name: "a", calls: &calls})

	ctx := context.Background()
	j := job.New("noop", nil)
	cause := errors.New("boom")

	r.EmitJobCreated(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobRetrying(ctx, j, cause, time.Now())
	r.EmitJobDeadLettered(ctx, j, cause)
	r.EmitJobSuspended(ctx, j)
	r.EmitJobActivated(ctx, j)
	r.EmitJobUnacquired(ctx, j, "pool full")
	r.EmitTimerPromoted(ctx, j, nil)
	r.EmitHistoryFailed(ctx, j, cause, true)
	r.EmitShutdown(ctx)

	want := []string{
		"a:created", "a:started", "a:completed", "a:retrying", "a:deadlettered",
		"a:suspended", "a:activated", "a:unacquired", "a:promoted", "a:historyfailed",
		"a:shutdown",
	}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	only := &completedOnly{}
	r.Register(only)

	ctx := context.Background()
	j := job.New("noop", nil)
	r.EmitJobCreated(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Millisecond)
	r.EmitShutdown(ctx)

	if only.count != 1 {
		t.Errorf("count = %d, want 1", only.count)
	}
	if len(r.Extensions()) != 1 {
		t.Errorf("Extensions() = %d, want 1", len(r.Extensions()))
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))

	var calls []string
	r.Register(failing{})
	r.Register(&recorder{name: "b", calls: &calls})

	r.EmitJobCreated(context.Background(), job.New("noop", nil))

	if len(calls) != 1 || calls[0] != "b:created" {
		t.Fatalf("later extension not notified: %v", calls)
	}
	if !strings.Contains(buf.String(), "hook exploded") {
		t.Errorf("hook error not logged: %q", buf.String())
	}
}

func TestRegistry_OrderPreserved(t *testing.T) {
	var calls []string
	r := ext.NewRegistry(nil)
	r.Register(&recorder{name: "first", calls: &calls})
	r.Register(&recorder{name: "second", calls: &calls})

	r.EmitShutdown(context.Background())

	if len(calls) != 2 || calls[0] != "first:shutdown" || calls[1] != "second:shutdown" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestRegistry_NilIsNoOp(_ *testing.T) {
	var r *ext.Registry
	r.EmitJobCreated(context.Background(), job.New("noop", nil))
	r.EmitShutdown(context.Background())
}
