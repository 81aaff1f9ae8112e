package scope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/jobservice/scope"
)

func TestMemoryResolver_CommitPublishesWrites(t *testing.T) {
	ctx := context.Background()
	r := scope.NewMemoryResolver(false)
	ref := scope.Ref{Type: "bpmn", ID: "proc-1"}
	r.Put(ref, map[string]any{"count": 1})

	vs, err := r.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	vs.Set("count", 2)

	stored, _ := r.Variables(ref)
	if stored["count"] != 1 {
		t.Fatalf("uncommitted write leaked: %v", stored["count"])
	}

	c, ok := vs.(scope.Committer)
	if !ok {
		t.Fatal("memory scope should implement Committer")
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stored, _ = r.Variables(ref)
	if stored["count"] != 2 {
		t.Errorf("count = %v, want 2", stored["count"])
	}
}

func TestMemoryResolver_Strict(t *testing.T) {
	r := scope.NewMemoryResolver(true)

	_, err := r.Resolve(context.Background(), scope.Ref{Type: "cmmn", ID: "missing"})
	if !errors.Is(err, scope.ErrScopeNotFound) {
		t.Fatalf("expected ErrScopeNotFound, got %v", err)
	}

	// Jobs without a scope always resolve.
	if _, err := r.Resolve(context.Background(), scope.Ref{}); err != nil {
		t.Fatalf("zero ref: %v", err)
	}
}

func TestFromContext(t *testing.T) {
	vs := scope.FromContext(context.Background())
	if len(vs.Names()) != 0 {
		t.Fatalf("expected empty fallback scope, got %v", vs.Names())
	}

	want := scope.NewVariables(map[string]any{"b": 1, "a": 2})
	got := scope.FromContext(scope.WithVariables(context.Background(), want))
	names := got.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v, want [a b]", names)
	}
}
