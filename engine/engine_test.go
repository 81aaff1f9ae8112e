package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/backoff"
	"github.com/xraph/jobservice/engine"
	"github.com/xraph/jobservice/history"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/scope"
	"github.com/xraph/jobservice/store/memory"
	"github.com/xraph/jobservice/throttle"
)

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func fastConfig() jobservice.Config {
	cfg := jobservice.DefaultConfig()
	cfg.AcquireInterval = 10 * time.Millisecond
	cfg.TimerInterval = 10 * time.Millisecond
	cfg.HistoryInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Concurrency = 2
	return cfg
}

func start(t *testing.T, s job.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithConfig(fastConfig()),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithBackoff(backoff.None{}),
	}, opts...)
	eng, err := engine.Build(s, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng
}

func run(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func count(t *testing.T, s job.Store, q job.Query) int64 {
	t.Helper()
	n, err := s.CountJobs(context.Background(), q)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	return n
}

func TestBuild_NilStore(t *testing.T) {
	_, err := engine.Build(nil)
	if !errors.Is(err, jobservice.ErrNoStore) {
		t.Fatalf("Build(nil) error = %v, want ErrNoStore", err)
	}
}

func TestBuild_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*jobservice.Config)
	}{
		{"zero concurrency", func(c *jobservice.Config) { c.Concurrency = 0 }},
		{"negative queue", func(c *jobservice.Config) { c.QueueSize = -1 }},
		{"zero lease", func(c *jobservice.Config) { c.LeaseDuration = 0 }},
		{"zero timer interval", func(c *jobservice.Config) { c.TimerInterval = 0 }},
		{"unknown missed policy", func(c *jobservice.Config) { c.MissedPolicy = "sometimes" }},
		{"history without workers", func(c *jobservice.Config) { c.HistoryConcurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := jobservice.DefaultConfig()
			tt.mutate(&cfg)
			if _, err := engine.Build(memory.New(), engine.WithConfig(cfg)); err == nil {
				t.Fatal("Build succeeded, want error")
			}
		})
	}
}

func TestBuild_Defaults(t *testing.T) {
	eng, err := engine.Build(memory.New(), engine.WithOptions(jobservice.WithConcurrency(4)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if eng.WorkerID() == "" {
		t.Error("WorkerID is empty, want generated ID")
	}
	if eng.Config().Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", eng.Config().Concurrency)
	}
	if eng.Throttle() != nil {
		t.Error("Throttle is set without limits")
	}
	if len(eng.Extensions().Extensions()) != 1 {
		t.Errorf("extensions = %d, want only the metrics extension", len(eng.Extensions().Extensions()))
	}
}

func TestEngine_ScheduleAndComplete(t *testing.T) {
	s := memory.New()
	sink := &history.MemorySink{}
	eng := start(t, s, engine.WithHistorySink(sink))

	var got atomic.Value
	engine.Register(eng, job.NewDefinition("send-email", func(_ context.Context, cfg emailConfig, _ scope.VariableScope) error {
		got.Store(cfg)
		return nil
	}))

	j, err := engine.Schedule(context.Background(), eng, "send-email", emailConfig{To: "alice@example.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if j.Shape != job.ShapeReady {
		t.Errorf("Shape = %q, want %q", j.Shape, job.ShapeReady)
	}
	if j.Revision != 1 {
		t.Errorf("Revision = %d, want 1", j.Revision)
	}

	run(t, eng)

	eventually(t, "job deletion", func() bool {
		_, err := s.GetJob(context.Background(), j.ID)
		return errors.Is(err, jobservice.ErrJobNotFound)
	})
	if cfg, _ := got.Load().(emailConfig); cfg.To != "alice@example.com" {
		t.Errorf("handler config To = %q, want alice@example.com", cfg.To)
	}

	eventually(t, "history record", func() bool { return len(sink.Records()) == 1 })
	rec := sink.Records()[0]
	if rec.Kind != job.HistoryJobCompleted {
		t.Errorf("history kind = %q, want %q", rec.Kind, job.HistoryJobCompleted)
	}
	if rec.Entry.JobID != j.ID.String() {
		t.Errorf("history job id = %q, want %q", rec.Entry.JobID, j.ID.String())
	}
	eventually(t, "history job deletion", func() bool {
		return count(t, s, job.Query{Shape: job.ShapeHistory}) == 0
	})
}

func TestEngine_RetryThenDeadLetter(t *testing.T) {
	s := memory.New()
	sink := &history.MemorySink{}
	eng := start(t, s, engine.WithHistorySink(sink))

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("flaky", func(context.Context, struct{}, scope.VariableScope) error {
		calls.Add(1)
		return errors.New("upstream unavailable")
	}, job.WithRetries(2)))

	j, err := engine.Schedule(context.Background(), eng, "flaky", struct{}{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run(t, eng)

	eventually(t, "dead letter", func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.Shape == job.ShapeDeadLetter
	})

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.ExceptionMessage == "" {
		t.Error("ExceptionMessage is empty")
	}
	if got.LockOwner != "" {
		t.Errorf("dead letter still leased by %q", got.LockOwner)
	}

	eventually(t, "dead letter history", func() bool {
		for _, r := range sink.Records() {
			if r.Kind == job.HistoryJobDeadLettered {
				return true
			}
		}
		return false
	})
}

func TestEngine_PermanentErrorSkipsRetries(t *testing.T) {
	s := memory.New()
	eng := start(t, s, engine.WithOptions(jobservice.WithHistory(false)))

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("bad-input", func(context.Context, struct{}, scope.VariableScope) error {
		calls.Add(1)
		return job.Permanent(errors.New("malformed address"))
	}, job.WithRetries(5)))

	j, err := engine.Schedule(context.Background(), eng, "bad-input", struct{}{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run(t, eng)

	eventually(t, "dead letter", func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.Shape == job.ShapeDeadLetter
	})
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestEngine_MissingScopeIsFatal(t *testing.T) {
	s := memory.New()
	eng := start(t, s,
		engine.WithOptions(jobservice.WithHistory(false)),
		engine.WithScopeResolver(scope.NewMemoryResolver(true)),
	)

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("needs-scope", func(context.Context, struct{}, scope.VariableScope) error {
		calls.Add(1)
		return nil
	}))

	j, err := engine.Schedule(context.Background(), eng, "needs-scope", struct{}{},
		job.WithScope("process-instance", "gone", ""))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run(t, eng)

	eventually(t, "dead letter", func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.Shape == job.ShapeDeadLetter
	})
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times for a missing scope", calls.Load())
	}
}

func TestEngine_ScopeVariablesCommitted(t *testing.T) {
	s := memory.New()
	resolver := scope.NewMemoryResolver(true)
	ref := scope.Ref{Type: "process-instance", ID: "pi-1"}
	resolver.Put(ref, map[string]any{"count": 1})

	eng := start(t, s,
		engine.WithOptions(jobservice.WithHistory(false)),
		engine.WithScopeResolver(resolver),
	)
	engine.Register(eng, job.NewDefinition("bump", func(_ context.Context, _ struct{}, vars scope.VariableScope) error {
		v, _ := vars.Get("count")
		vars.Set("count", v.(int)+1)
		return nil
	}))

	j, err := engine.Schedule(context.Background(), eng, "bump", struct{}{}, job.WithScope(ref.Type, ref.ID, ""))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run(t, eng)

	eventually(t, "job deletion", func() bool {
		_, err := s.GetJob(context.Background(), j.ID)
		return errors.Is(err, jobservice.ErrJobNotFound)
	})
	vars, _ := resolver.Variables(ref)
	if vars["count"] != 2 {
		t.Errorf("count = %v, want 2", vars["count"])
	}
}

func TestEngine_TimerPromotion(t *testing.T) {
	s := memory.New()
	eng := start(t, s, engine.WithOptions(jobservice.WithHistory(false)))

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("reminder", func(context.Context, struct{}, scope.VariableScope) error {
		calls.Add(1)
		return nil
	}))

	tm, err := engine.ScheduleTimer(context.Background(), eng, "reminder", struct{}{},
		job.WithDueDate(time.Now().Add(50*time.Millisecond)))
	if err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}
	if tm.Shape != job.ShapeTimer {
		t.Fatalf("Shape = %q, want %q", tm.Shape, job.ShapeTimer)
	}
	run(t, eng)

	eventually(t, "timer to fire", func() bool { return calls.Load() == 1 })
	eventually(t, "timer consumed", func() bool {
		return count(t, s, job.Query{HandlerType: "reminder"}) == 0
	})
}

func TestEngine_RepeatingTimerKeepsFiring(t *testing.T) {
	s := memory.New()
	eng := start(t, s, engine.WithOptions(jobservice.WithHistory(false)))

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("tick", func(context.Context, struct{}, scope.VariableScope) error {
		calls.Add(1)
		return nil
	}))

	if _, err := engine.ScheduleTimer(context.Background(), eng, "tick", struct{}{},
		job.WithRepeat("@every 1s"), job.WithMaxIterations(2)); err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}
	run(t, eng)

	eventually(t, "first fire", func() bool { return calls.Load() >= 1 })
	eventually(t, "timer still scheduled", func() bool {
		return count(t, s, job.Query{Shape: job.ShapeTimer, HandlerType: "tick"}) == 1
	})
}

func TestEngine_ThrottleLimitsConcurrency(t *testing.T) {
	s := memory.New()
	eng := start(t, s,
		engine.WithOptions(jobservice.WithHistory(false), jobservice.WithConcurrency(4)),
		engine.WithThrottle(throttle.Config{HandlerType: "serial", MaxConcurrency: 1}),
	)

	var active, peak, done atomic.Int32
	engine.Register(eng, job.NewDefinition("serial", func(context.Context, struct{}, scope.VariableScope) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil
	}))

	for range 4 {
		if _, err := engine.Schedule(context.Background(), eng, "serial", struct{}{}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	run(t, eng)

	eventually(t, "all jobs", func() bool { return done.Load() == 4 })
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
	if eng.Throttle() == nil {
		t.Error("Throttle is nil with limits configured")
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	eng := start(t, memory.New())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	eng := start(t, memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_CustomHistoryHandler(t *testing.T) {
	s := memory.New()
	var ran atomic.Int32
	eng := start(t, s, engine.WithHistoryHandler("audit-variable-update",
		func(_ context.Context, j *job.Job, _ scope.VariableScope) job.Result {
			if string(j.HandlerConfiguration) != `{"variable":"total"}` {
				return job.Fatal(errors.New("unexpected configuration"))
			}
			ran.Add(1)
			return job.OK()
		}))

	if _, ok := eng.HistoryRegistry().Get(job.HistoryJobCompleted); !ok {
		t.Error("built-in history handler missing from HistoryRegistry")
	}

	hj := job.New("audit-variable-update", []byte(`{"variable":"total"}`))
	if err := eng.Manager().ScheduleHistoryJob(context.Background(), hj); err != nil {
		t.Fatalf("ScheduleHistoryJob: %v", err)
	}
	run(t, eng)

	eventually(t, "custom history job", func() bool {
		return ran.Load() == 1 && count(t, s, job.Query{Shape: job.ShapeHistory}) == 0
	})
}

func TestEngine_Restart(t *testing.T) {
	s := memory.New()
	eng := start(t, s)
	var ran atomic.Int32
	eng.Registry().Register("tick", func(context.Context, *job.Job, scope.VariableScope) job.Result {
		ran.Add(1)
		return job.OK()
	})
	ctx := context.Background()

	for round := int32(1); round <= 2; round++ {
		if err := eng.Start(ctx); err != nil {
			t.Fatalf("Start round %d: %v", round, err)
		}
		if _, err := eng.Manager().ScheduleAsync(ctx, "tick", []byte(`{}`)); err != nil {
			t.Fatalf("ScheduleAsync round %d: %v", round, err)
		}
		eventually(t, "job run", func() bool { return ran.Load() == round })
		if err := eng.Stop(ctx); err != nil {
			t.Fatalf("Stop round %d: %v", round, err)
		}
	}
}
