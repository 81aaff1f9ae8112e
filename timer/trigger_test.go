package timer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/timer"
)

type fakeFinder struct {
	timers []*job.Job
	err    error
}

func (f *fakeFinder) FindDueTimers(_ context.Context, _ time.Time, limit int) ([]*job.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.timers) > limit {
		return f.timers[:limit], nil
	}
	return f.timers, nil
}

type fakePromoter struct {
	mu    sync.Mutex
	seen  map[string]bool
	fails map[string]error
}

func (p *fakePromoter) MoveTimerToExecutableJob(_ context.Context, t *job.Job, _ time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fails[t.ID.String()]; err != nil {
		return false, err
	}
	if p.seen[t.ID.String()] {
		return false, nil
	}
	p.seen[t.ID.String()] = true
	return true, nil
}

func TestTrigger_TickCountsOnlyOwnPromotions(t *testing.T) {
	a, b, c := newTimer(ten), newTimer(ten), newTimer(ten)
	finder := &fakeFinder{timers: []*job.Job{a, b, c}}
	promoter := &fakePromoter{
		seen:  map[string]bool{b.ID.String(): true},
		fails: map[string]error{c.ID.String(): errors.New("boom")},
	}

	tr := timer.NewTrigger(finder, promoter, timer.WithClock(func() time.Time { return at(1) }))

	n, err := tr.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}

	// Second tick: everything already claimed.
	n, _ = tr.Tick(context.Background())
	if n != 0 {
		t.Errorf("second tick promoted = %d, want 0", n)
	}
}

func TestTrigger_TickReturnsStoreError(t *testing.T) {
	want := errors.New("store down")
	tr := timer.NewTrigger(&fakeFinder{err: want}, &fakePromoter{})

	if _, err := tr.Tick(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTrigger_StartStop(t *testing.T) {
	finder := &fakeFinder{timers: []*job.Job{newTimer(ten)}}
	promoter := &fakePromoter{seen: map[string]bool{}}
	tr := timer.NewTrigger(finder, promoter, timer.WithInterval(5*time.Millisecond))

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		promoter.mu.Lock()
		done := len(promoter.seen) == 1
		promoter.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(promoter.seen) != 1 {
		t.Fatalf("timer was not promoted by the running loop")
	}
}

func TestTrigger_RestartAfterStop(t *testing.T) {
	promoter := &fakePromoter{seen: map[string]bool{}}
	finder := &fakeFinder{}
	tr := timer.NewTrigger(finder, promoter, timer.WithInterval(5*time.Millisecond))
	ctx := context.Background()

	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	finder.timers = []*job.Job{newTimer(ten)}
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	promoted := false
	for !promoted && time.Now().Before(deadline) {
		promoter.mu.Lock()
		promoted = len(promoter.seen) == 1
		promoter.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("third Stop: %v", err)
	}
	if !promoted {
		t.Fatal("restarted trigger did not promote the due timer")
	}
}
