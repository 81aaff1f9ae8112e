// Package storetest is a conformance suite every store backend runs from
// its own tests, so that the memory, postgres, redis and mongo stores
// agree on revision checks, shape moves and acquisition filters.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/store"
)

// Factory returns an empty, migrated store.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertDuplicate", testInsertDuplicate},
		{"UpdateRevisionCheck", testUpdateRevisionCheck},
		{"RevisionMonotonic", testRevisionMonotonic},
		{"DeleteRevisionCheck", testDeleteRevisionCheck},
		{"MoveJob", testMoveJob},
		{"MoveJobWrongShape", testMoveJobWrongShape},
		{"FindReadyJobsFilters", testFindReadyJobsFilters},
		{"FindReadyJobsExclusiveScope", testFindReadyJobsExclusiveScope},
		{"ExclusiveLeaseGuard", testExclusiveLeaseGuard},
		{"FindReadyJobsHistoryShape", testFindReadyJobsHistoryShape},
		{"FindDueTimers", testFindDueTimers},
		{"ListAndCount", testListAndCount},
		{"ConcurrentLeaseSingleOwner", testConcurrentLeaseSingleOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// base is truncated to milliseconds so that every backend round-trips it.
func base() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func newReady(handlerType string, opts ...job.Option) *job.Job {
	j := job.New(handlerType, []byte(`{"k":"v"}`), append([]job.Option{job.WithRetries(3)}, opts...)...)
	j.Shape = job.ShapeReady
	return j
}

func mustInsert(t *testing.T, s store.Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.InsertJob(context.Background(), j); err != nil {
			t.Fatalf("InsertJob(%s): %v", j.ID, err)
		}
	}
}

func ids(jobs []*job.Job) map[string]bool {
	out := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		out[j.ID.String()] = true
	}
	return out
}

func lease(j *job.Job, owner string, until time.Time) {
	j.LockOwner = owner
	j.LockExpirationTime = job.TimePtr(until)
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	due := base().Add(time.Hour)
	j := newReady("mail",
		job.WithScope("bpmn", "proc-1", "exec-1"),
		job.WithExecution("exec-1"),
		job.WithDeployment("dep-1"),
		job.WithTenant("acme"),
		job.WithCorrelation("corr-1"),
		job.WithDueDate(due),
	)
	mustInsert(t, s, j)

	if j.Revision != 1 {
		t.Errorf("revision after insert = %d, want 1", j.Revision)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID || got.Shape != job.ShapeReady || got.Revision != 1 {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.HandlerType != "mail" || string(got.HandlerConfiguration) != `{"k":"v"}` {
		t.Errorf("handler mismatch: %q %s", got.HandlerType, got.HandlerConfiguration)
	}
	if got.ScopeType != "bpmn" || got.ScopeID != "proc-1" || got.SubScopeID != "exec-1" {
		t.Errorf("scope mismatch: %+v", got)
	}
	if got.ExecutionID != "exec-1" || got.DeploymentID != "dep-1" || got.TenantID != "acme" || got.CorrelationID != "corr-1" {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("due date = %v, want %v", got.DueDate, due)
	}
	if got.Retries != 3 || !got.Exclusive {
		t.Errorf("retries/exclusive mismatch: %d %v", got.Retries, got.Exclusive)
	}

	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, jobservice.ErrJobNotFound) {
		t.Errorf("missing job: expected ErrJobNotFound, got %v", err)
	}
}

func testInsertDuplicate(t *testing.T, s store.Store) {
	j := newReady("mail")
	mustInsert(t, s, j)

	dup := j.Clone()
	err := s.InsertJob(context.Background(), dup)
	if !errors.Is(err, jobservice.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func testUpdateRevisionCheck(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newReady("mail")
	mustInsert(t, s, j)

	a := j.Clone()
	b := j.Clone()

	a.ExceptionMessage = "first"
	if err := s.UpdateJob(ctx, a, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Revision != 2 {
		t.Errorf("revision = %d, want 2", a.Revision)
	}

	b.ExceptionMessage = "second"
	if err := s.UpdateJob(ctx, b, 1); !errors.Is(err, jobservice.ErrStaleState) {
		t.Fatalf("stale update: expected ErrStaleState, got %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.ExceptionMessage != "first" || got.Revision != 2 {
		t.Errorf("stale write leaked: %q rev %d", got.ExceptionMessage, got.Revision)
	}

	missing := newReady("mail")
	if err := s.UpdateJob(ctx, missing, 1); !errors.Is(err, jobservice.ErrStaleState) {
		t.Errorf("missing job: expected ErrStaleState, got %v", err)
	}
}

func testRevisionMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newReady("mail")
	mustInsert(t, s, j)

	last := j.Revision
	for i := range 5 {
		j.Attempts = i
		if err := s.UpdateJob(ctx, j, j.Revision); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if j.Revision <= last {
			t.Fatalf("revision went from %d to %d", last, j.Revision)
		}
		last = j.Revision
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Revision != last {
		t.Errorf("stored revision %d, want %d", got.Revision, last)
	}
}

func testDeleteRevisionCheck(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newReady("mail")
	mustInsert(t, s, j)

	if err := s.DeleteJob(ctx, j.ID, 7); !errors.Is(err, jobservice.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID, 1); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, jobservice.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after delete, got %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID, 1); !errors.Is(err, jobservice.ErrStaleState) {
		t.Errorf("second delete: expected ErrStaleState, got %v", err)
	}
}

func testMoveJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	timer := newReady("tick", job.WithRepeat("@every 5m"))
	timer.Shape = job.ShapeTimer
	timer.DueDate = job.TimePtr(base().Add(-time.Second))
	mustInsert(t, s, timer)

	fired := timer.Clone()
	fired.Shape = job.ShapeReady
	fired.DueDate = nil
	fired.Repeat = ""

	next := timer.Clone()
	next.ID = id.NewJobID()
	next.DueDate = job.TimePtr(base().Add(5 * time.Minute))
	next.Iteration = 1

	if err := s.MoveJob(ctx, fired, job.ShapeTimer, 1, next); err != nil {
		t.Fatalf("MoveJob: %v", err)
	}
	if fired.Revision != 2 || next.Revision != 1 {
		t.Errorf("revisions = %d/%d, want 2/1", fired.Revision, next.Revision)
	}

	got, _ := s.GetJob(ctx, timer.ID)
	if got.Shape != job.ShapeReady || got.DueDate != nil {
		t.Errorf("moved job = shape %s due %v", got.Shape, got.DueDate)
	}
	spawned, err := s.GetJob(ctx, next.ID)
	if err != nil {
		t.Fatalf("spawned job missing: %v", err)
	}
	if spawned.Shape != job.ShapeTimer || spawned.Iteration != 1 || spawned.Repeat != "@every 5m" {
		t.Errorf("spawned = %+v", spawned)
	}

	// A second promotion of the same timer must lose.
	again := timer.Clone()
	again.Shape = job.ShapeReady
	extra := timer.Clone()
	extra.ID = id.NewJobID()
	if err := s.MoveJob(ctx, again, job.ShapeTimer, 1, extra); !errors.Is(err, jobservice.ErrStaleState) {
		t.Fatalf("duplicate move: expected ErrStaleState, got %v", err)
	}
	if _, err := s.GetJob(ctx, extra.ID); !errors.Is(err, jobservice.ErrJobNotFound) {
		t.Errorf("losing move inserted its spawned job: %v", err)
	}
}

func testMoveJobWrongShape(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newReady("mail")
	mustInsert(t, s, j)

	moved := j.Clone()
	moved.Shape = job.ShapeReady
	if err := s.MoveJob(ctx, moved, job.ShapeTimer, 1); !errors.Is(err, jobservice.ErrStaleState) {
		t.Fatalf("expected ErrStaleState for wrong source shape, got %v", err)
	}
}

func testFindReadyJobsFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	plain := newReady("a")
	due := newReady("b", job.WithDueDate(now.Add(-time.Minute)))
	notDue := newReady("c", job.WithDueDate(now.Add(time.Minute)))
	leased := newReady("d")
	lease(leased, "w1", now.Add(time.Minute))
	expired := newReady("e")
	lease(expired, "w1", now.Add(-time.Minute))
	exhausted := newReady("f")
	exhausted.Retries = 0
	lastChance := newReady("g")
	lastChance.Retries = 0
	lastChance.LastChance = true
	timer := newReady("h", job.WithDueDate(now.Add(-time.Minute)))
	timer.Shape = job.ShapeTimer
	dead := newReady("i")
	dead.Shape = job.ShapeDeadLetter

	mustInsert(t, s, plain, due, notDue, leased, expired, exhausted, lastChance, timer, dead)

	got, err := s.FindReadyJobs(ctx, job.ShapeReady, now, 0)
	if err != nil {
		t.Fatalf("FindReadyJobs: %v", err)
	}
	found := ids(got)
	for _, want := range []*job.Job{plain, due, expired, lastChance} {
		if !found[want.ID.String()] {
			t.Errorf("expected %s (%s) to be ready", want.ID, want.HandlerType)
		}
	}
	for _, skip := range []*job.Job{notDue, leased, exhausted, timer, dead} {
		if found[skip.ID.String()] {
			t.Errorf("did not expect %s (%s) to be ready", skip.ID, skip.HandlerType)
		}
	}

	limited, err := s.FindReadyJobs(ctx, job.ShapeReady, now, 2)
	if err != nil {
		t.Fatalf("FindReadyJobs limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d jobs", len(limited))
	}
}

func testFindReadyJobsExclusiveScope(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	running := newReady("a", job.WithScope("bpmn", "p1", ""))
	lease(running, "w1", now.Add(time.Minute))
	sibling := newReady("b", job.WithScope("bpmn", "p1", ""))
	concurrent := newReady("c", job.WithScope("bpmn", "p1", ""), job.WithExclusive(false))
	other := newReady("d", job.WithScope("bpmn", "p2", ""))

	mustInsert(t, s, running, sibling, concurrent, other)

	got, err := s.FindReadyJobs(ctx, job.ShapeReady, now, 0)
	if err != nil {
		t.Fatalf("FindReadyJobs: %v", err)
	}
	found := ids(got)
	if found[sibling.ID.String()] {
		t.Error("exclusive sibling of a locked scope was returned")
	}
	if !found[concurrent.ID.String()] {
		t.Error("non-exclusive job of a locked scope should be returned")
	}
	if !found[other.ID.String()] {
		t.Error("exclusive job of another scope should be returned")
	}
}

func testExclusiveLeaseGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	a := newReady("a", job.WithScope("bpmn", "p1", ""))
	b := newReady("b", job.WithScope("bpmn", "p1", ""))
	mustInsert(t, s, a, b)

	la := a.Clone()
	lease(la, "w1", now.Add(time.Minute))
	if err := s.UpdateJob(ctx, la, la.Revision); err != nil {
		t.Fatalf("lease a: %v", err)
	}

	lb := b.Clone()
	lease(lb, "w2", now.Add(time.Minute))
	if err := s.UpdateJob(ctx, lb, lb.Revision); !errors.Is(err, jobservice.ErrScopeLocked) {
		t.Fatalf("lease b: expected ErrScopeLocked, got %v", err)
	}

	got, _ := s.GetJob(ctx, b.ID)
	if got.LockOwner != "" || got.Revision != 1 {
		t.Errorf("rejected lease was written: owner %q rev %d", got.LockOwner, got.Revision)
	}

	// Renewing the holder's own lease is fine.
	lease(la, "w1", now.Add(2*time.Minute))
	if err := s.UpdateJob(ctx, la, la.Revision); err != nil {
		t.Fatalf("renew a: %v", err)
	}

	// Releasing a frees the scope for b.
	la.ClearLease()
	if err := s.UpdateJob(ctx, la, la.Revision); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if err := s.UpdateJob(ctx, lb, 1); err != nil {
		t.Fatalf("lease b after release: %v", err)
	}
}

func testFindReadyJobsHistoryShape(t *testing.T, s store.Store) {
	ctx := context.Background()
	primary := newReady("a")
	hist := newReady("b")
	hist.ID = id.NewHistoryJobID()
	hist.Shape = job.ShapeHistory
	mustInsert(t, s, primary, hist)

	got, err := s.FindReadyJobs(ctx, job.ShapeHistory, base(), 0)
	if err != nil {
		t.Fatalf("FindReadyJobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != hist.ID {
		t.Fatalf("history lane returned %v", ids(got))
	}
}

func testFindDueTimers(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	older := newReady("a", job.WithDueDate(now.Add(-2*time.Minute)))
	older.Shape = job.ShapeTimer
	newer := newReady("b", job.WithDueDate(now.Add(-time.Minute)))
	newer.Shape = job.ShapeTimer
	future := newReady("c", job.WithDueDate(now.Add(time.Minute)))
	future.Shape = job.ShapeTimer
	ready := newReady("d", job.WithDueDate(now.Add(-time.Minute)))

	mustInsert(t, s, newer, future, ready, older)

	got, err := s.FindDueTimers(ctx, now, 0)
	if err != nil {
		t.Fatalf("FindDueTimers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d due timers, want 2", len(got))
	}
	if got[0].ID != older.ID || got[1].ID != newer.ID {
		t.Errorf("due timers not ordered oldest first")
	}

	one, _ := s.FindDueTimers(ctx, now, 1)
	if len(one) != 1 {
		t.Errorf("limit 1 returned %d", len(one))
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()

	var jobs []*job.Job
	for i := range 5 {
		j := newReady("mail", job.WithExecution("e1"), job.WithDeployment("d1"))
		if i%2 == 0 {
			j.Shape = job.ShapeTimer
			j.HandlerType = "tick"
		}
		jobs = append(jobs, j)
	}
	otherExec := newReady("mail", job.WithExecution("e2"), job.WithTenant("acme"))
	jobs = append(jobs, otherExec)
	mustInsert(t, s, jobs...)

	tests := []struct {
		name string
		q    job.Query
		want int64
	}{
		{"all", job.Query{}, 6},
		{"execution", job.Query{ExecutionID: "e1"}, 5},
		{"shape", job.Query{Shape: job.ShapeTimer}, 3},
		{"handler", job.Query{HandlerType: "mail"}, 3},
		{"deployment and shape", job.Query{DeploymentID: "d1", Shape: job.ShapeReady}, 2},
		{"tenant", job.Query{TenantID: "acme"}, 1},
		{"none", job.Query{ScopeID: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := s.CountJobs(ctx, tt.q)
			if err != nil {
				t.Fatalf("CountJobs: %v", err)
			}
			if n != tt.want {
				t.Errorf("CountJobs = %d, want %d", n, tt.want)
			}
			list, err := s.ListJobs(ctx, tt.q)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if int64(len(list)) != tt.want {
				t.Errorf("ListJobs returned %d, want %d", len(list), tt.want)
			}
		})
	}

	paged, err := s.ListJobs(ctx, job.Query{ExecutionID: "e1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs paged: %v", err)
	}
	if len(paged) != 2 {
		t.Errorf("paged list returned %d, want 2", len(paged))
	}
}

func testConcurrentLeaseSingleOwner(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newReady("mail")
	mustInsert(t, s, j)

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			cp := j.Clone()
			lease(cp, id.NewWorkerID().String(), base().Add(time.Minute))
			err := s.UpdateJob(ctx, cp, 1)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, jobservice.ErrStaleState), errors.Is(err, jobservice.ErrScopeLocked):
			default:
				t.Errorf("worker %d: unexpected error %v", w, err)
			}
		}(w)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d workers leased the job, want exactly 1", wins.Load())
	}
}
