package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/middleware"
	"github.com/xraph/jobservice/scope"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) job.Result {
		order = append(order, "mw1-before")
		res := next(ctx)
		order = append(order, "mw1-after")
		return res
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) job.Result {
		order = append(order, "mw2-before")
		res := next(ctx)
		order = append(order, "mw2-after")
		return res
	}

	chain := middleware.Chain(mw1, mw2)
	j := &job.Job{HandlerType: "test", ID: id.NewJobID()}
	handler := func(_ context.Context) job.Result {
		order = append(order, "handler")
		return job.OK()
	}

	if res := chain(context.Background(), j, handler); res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) job.Result {
		called = true
		return job.OK()
	}

	if res := chain(context.Background(), &job.Job{ID: id.NewJobID()}, handler); res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesResult(t *testing.T) {
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) job.Result {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	res := chain(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) job.Result {
		return job.Fatal(want)
	})
	if res.Outcome != job.OutcomeFatal || !errors.Is(res.Err, want) {
		t.Fatalf("expected fatal %v, got %v %v", want, res.Outcome, res.Err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(quietLogger())
	j := &job.Job{HandlerType: "panicky", ID: id.NewJobID()}

	res := mw(context.Background(), j, func(_ context.Context) job.Result {
		panic("test panic")
	})
	if res.Outcome != job.OutcomeRecoverable {
		t.Fatalf("expected recoverable outcome, got %v", res.Outcome)
	}
	if got := res.Err.Error(); got != "panic in job panicky: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(quietLogger())
	j := &job.Job{HandlerType: "normal", ID: id.NewJobID()}

	called := false
	res := mw(context.Background(), j, func(_ context.Context) job.Result {
		called = true
		return job.OK()
	})
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name string
		res  job.Result
	}{
		{"success", job.OK()},
		{"recoverable", job.Recoverable(errors.New("fail"))},
		{"fatal", job.Fatal(errors.New("bad"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := middleware.Logging(quietLogger())
			j := &job.Job{HandlerType: "log-test", ID: id.NewJobID(), Shape: job.ShapeReady}

			res := mw(context.Background(), j, func(_ context.Context) job.Result { return tt.res })
			if res.Outcome != tt.res.Outcome || !errors.Is(res.Err, tt.res.Err) {
				t.Fatalf("result changed: %v", res)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	mw := middleware.Timeout(quietLogger(), middleware.PerHandler(map[string]time.Duration{
		"slow": 10 * time.Millisecond,
	}, 0))

	slow := &job.Job{HandlerType: "slow", ID: id.NewJobID()}
	res := mw(context.Background(), slow, func(ctx context.Context) job.Result {
		<-ctx.Done()
		return job.ResultOf(ctx.Err())
	})
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", res.Err)
	}

	other := &job.Job{HandlerType: "other", ID: id.NewJobID()}
	res = mw(context.Background(), other, func(ctx context.Context) job.Result {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline for handler without limit")
		}
		return job.OK()
	})
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
}

func TestScope_ResolvesAndCommits(t *testing.T) {
	resolver := scope.NewMemoryResolver(true)
	ref := scope.Ref{Type: "bpmn", ID: "p1"}
	resolver.Put(ref, map[string]any{"count": 1})

	mw := middleware.Scope(resolver)
	j := &job.Job{ID: id.NewJobID(), ScopeType: "bpmn", ScopeID: "p1"}

	res := mw(context.Background(), j, func(ctx context.Context) job.Result {
		vars := scope.FromContext(ctx)
		if v, _ := vars.Get("count"); v != 1 {
			t.Errorf("count = %v, want 1", v)
		}
		vars.Set("count", 2)
		return job.OK()
	})
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}

	got, _ := resolver.Variables(ref)
	if got["count"] != 2 {
		t.Errorf("committed count = %v, want 2", got["count"])
	}
}

func TestScope_FailedHandlerDoesNotCommit(t *testing.T) {
	resolver := scope.NewMemoryResolver(false)
	ref := scope.Ref{Type: "bpmn", ID: "p1"}
	resolver.Put(ref, map[string]any{"count": 1})

	mw := middleware.Scope(resolver)
	j := &job.Job{ID: id.NewJobID(), ScopeType: "bpmn", ScopeID: "p1"}

	res := mw(context.Background(), j, func(ctx context.Context) job.Result {
		scope.FromContext(ctx).Set("count", 99)
		return job.Recoverable(errors.New("fail"))
	})
	if !res.Failed() {
		t.Fatal("expected failure to propagate")
	}
	if got, _ := resolver.Variables(ref); got["count"] != 1 {
		t.Errorf("failed handler committed: count = %v", got["count"])
	}
}

func TestScope_MissingScopeIsFatal(t *testing.T) {
	mw := middleware.Scope(scope.NewMemoryResolver(true))
	j := &job.Job{ID: id.NewJobID(), ScopeType: "bpmn", ScopeID: "gone"}

	called := false
	res := mw(context.Background(), j, func(context.Context) job.Result {
		called = true
		return job.OK()
	})
	if called {
		t.Error("handler ran without a scope")
	}
	if res.Outcome != job.OutcomeFatal || !errors.Is(res.Err, scope.ErrScopeNotFound) {
		t.Fatalf("expected fatal ErrScopeNotFound, got %v %v", res.Outcome, res.Err)
	}
}

func TestScope_ResolverErrorIsRecoverable(t *testing.T) {
	boom := errors.New("db down")
	mw := middleware.Scope(scope.ResolverFunc(func(context.Context, scope.Ref) (scope.VariableScope, error) {
		return nil, boom
	}))

	res := mw(context.Background(), &job.Job{ID: id.NewJobID()}, func(context.Context) job.Result {
		return job.OK()
	})
	if res.Outcome != job.OutcomeRecoverable || !errors.Is(res.Err, boom) {
		t.Fatalf("expected recoverable %v, got %v %v", boom, res.Outcome, res.Err)
	}
}
