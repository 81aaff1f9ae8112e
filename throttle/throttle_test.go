package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobservice/job"
)

func jobOf(handlerType, tenantID string) *job.Job {
	return &job.Job{HandlerType: handlerType, TenantID: tenantID}
}

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	if !m.Acquire(jobOf("any", "")) {
		t.Fatal("expected Acquire to succeed for unconfigured handler type")
	}
	m.Release(jobOf("any", ""))
}

func TestNilManager_AllowsEverything(t *testing.T) {
	var m *Manager
	if !m.Acquire(jobOf("any", "t1")) {
		t.Fatal("nil manager should allow")
	}
	m.Release(jobOf("any", "t1"))
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{HandlerType: "email", MaxConcurrency: 2})
	j := jobOf("email", "")

	if !m.Acquire(j) {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire(j) {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire(j) {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	m.Release(j)
	if !m.Acquire(j) {
		t.Fatal("Acquire should succeed after Release")
	}
	if got := m.ActiveCount("email"); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{HandlerType: "limited", RateLimit: 1.0, RateBurst: 1})
	j := jobOf("limited", "")

	if !m.Acquire(j) {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(j)

	if m.Acquire(j) {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(j) {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(j)
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{HandlerType: "bursty", RateLimit: 10.0, RateBurst: 3})
	j := jobOf("bursty", "")

	for i := range 3 {
		if !m.Acquire(j) {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release(j)
	}
}

func TestManager_FullDoesNotConsumeToken(t *testing.T) {
	m := NewManager(Config{HandlerType: "h", MaxConcurrency: 1, RateLimit: 0.001, RateBurst: 2})
	j := jobOf("h", "")

	if !m.Acquire(j) {
		t.Fatal("first Acquire should succeed")
	}
	for range 5 {
		if m.Acquire(j) {
			t.Fatal("Acquire should fail while at max concurrency")
		}
	}
	m.Release(j)
	if !m.Acquire(j) {
		t.Fatal("second token was consumed by rejected acquires")
	}
}

func TestManager_TenantDenialKeepsHandlerToken(t *testing.T) {
	m := NewManager(Config{HandlerType: "h", RateLimit: 0.001, RateBurst: 2})
	m.SetTenantConfig(TenantConfig{TenantID: "orgA", RateLimit: 0.001, RateBurst: 1})

	if !m.Acquire(jobOf("h", "orgA")) {
		t.Fatal("first orgA Acquire should succeed")
	}
	for range 5 {
		if m.Acquire(jobOf("h", "orgA")) {
			t.Fatal("orgA Acquire should fail once its bucket is empty")
		}
	}
	if !m.Acquire(jobOf("h", "orgB")) {
		t.Fatal("handler token was consumed by tenant-denied acquires")
	}
	if m.Acquire(jobOf("h", "orgB")) {
		t.Fatal("handler bucket should be empty after two grants")
	}
}

// ---------------------------------------------------------------------------
// Per-tenant isolation
// ---------------------------------------------------------------------------

func TestManager_TenantLimits(t *testing.T) {
	m := NewManager(Config{HandlerType: "shared", MaxConcurrency: 100})
	m.SetTenantConfig(TenantConfig{HandlerType: "shared", TenantID: "orgA", MaxConcurrency: 1})

	if !m.Acquire(jobOf("shared", "orgA")) {
		t.Fatal("orgA first Acquire should succeed")
	}
	if m.Acquire(jobOf("shared", "orgA")) {
		t.Fatal("orgA second Acquire should fail (tenant max 1)")
	}
	if !m.Acquire(jobOf("shared", "orgB")) {
		t.Fatal("orgB Acquire should succeed (no tenant limit)")
	}
	if got := m.TenantActiveCount("shared", "orgA"); got != 1 {
		t.Fatalf("expected tenant active 1, got %d", got)
	}

	m.Release(jobOf("shared", "orgA"))
	if got := m.TenantActiveCount("shared", "orgA"); got != 0 {
		t.Fatalf("expected tenant active 0, got %d", got)
	}
}

func TestManager_TenantWildcard(t *testing.T) {
	m := NewManager()
	m.SetTenantConfig(TenantConfig{TenantID: "orgA", MaxConcurrency: 2})
	m.SetTenantConfig(TenantConfig{HandlerType: "report", TenantID: "orgA", MaxConcurrency: 1})

	if !m.Acquire(jobOf("email", "orgA")) || !m.Acquire(jobOf("sms", "orgA")) {
		t.Fatal("wildcard tenant limit should admit two jobs")
	}
	if m.Acquire(jobOf("push", "orgA")) {
		t.Fatal("wildcard tenant limit should be shared across handler types")
	}
	if !m.Acquire(jobOf("report", "orgA")) {
		t.Fatal("handler-specific tenant config should take precedence")
	}
	if got := m.TenantActiveCount("", "orgA"); got != 2 {
		t.Fatalf("expected wildcard active 2, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetConfig(t *testing.T) {
	m := NewManager(Config{HandlerType: "dyn", MaxConcurrency: 1})
	j := jobOf("dyn", "")

	m.Acquire(j)
	if m.Acquire(j) {
		t.Fatal("should be blocked at concurrency 1")
	}

	m.SetConfig(Config{HandlerType: "dyn", MaxConcurrency: 3})
	if !m.Acquire(j) {
		t.Fatal("should succeed after raising concurrency")
	}
	if got := m.ActiveCount("dyn"); got != 2 {
		t.Fatalf("active count not preserved: %d", got)
	}
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{HandlerType: "concurrent", MaxConcurrency: 50})
	j := jobOf("concurrent", "")

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(j) {
				acquired.Add(1)
				time.Sleep(time.Millisecond)
				m.Release(j)
			}
		}()
	}
	wg.Wait()

	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if m.ActiveCount("concurrent") != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount("concurrent"))
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{HandlerType: "q", MaxConcurrency: 5})
	m.Release(jobOf("q", ""))
	if m.ActiveCount("q") != 0 {
		t.Fatal("active count should not go below 0")
	}
}
