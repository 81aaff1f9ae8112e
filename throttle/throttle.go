package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/jobservice/job"
)

// Config defines per-handler-type rate limiting and concurrency.
type Config struct {
	// HandlerType is the job handler type the limits apply to.
	HandlerType string

	// MaxConcurrency limits how many jobs of this type may run
	// simultaneously on this node. Zero means no limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second handed to the
	// pool. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if
	// RateLimit is set but RateBurst is zero.
	RateBurst int
}

// limit is the runtime state of one configured limit.
type limit struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func newLimit(rateLimit float64, burst, maxConcurrency int) *limit {
	l := &limit{maxConcurrency: maxConcurrency}
	if rateLimit > 0 {
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	return l
}

func (l *limit) full() bool {
	return l != nil && l.maxConcurrency > 0 && l.active >= l.maxConcurrency
}

// reserve takes a token if one is available at now. The reservation is
// nil when l has no rate limiter.
func (l *limit) reserve(now time.Time) (*rate.Reservation, bool) {
	if l == nil || l.limiter == nil {
		return nil, true
	}
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	return r, true
}

func (l *limit) acquire() {
	if l != nil {
		l.active++
	}
}

func (l *limit) release() {
	if l != nil && l.active > 0 {
		l.active--
	}
}

// Manager enforces per-handler-type and per-tenant limits. It is safe
// for concurrent use.
type Manager struct {
	mu       sync.Mutex
	handlers map[string]*limit
	tenants  map[tenantKey]*limit
}

// NewManager creates a Manager with the given handler configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		handlers: make(map[string]*limit, len(configs)),
		tenants:  make(map[tenantKey]*limit),
	}
	for _, cfg := range configs {
		m.handlers[cfg.HandlerType] = newLimit(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	}
	return m
}

// Acquire reports whether j may run now. On true it counts j as active;
// the caller MUST call Release when the job finishes. Concurrency gates
// are checked before rate limiters, and a token taken from the handler
// limiter is handed back when the tenant limiter denies, so a rejected
// job does not consume a token. A nil Manager allows everything.
func (m *Manager) Acquire(j *job.Job) bool {
	if m == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hl := m.handlers[j.HandlerType]
	tl := m.tenantLimitLocked(j.HandlerType, j.TenantID)

	if hl.full() || tl.full() {
		return false
	}
	now := time.Now()
	hr, ok := hl.reserve(now)
	if !ok {
		return false
	}
	if _, ok := tl.reserve(now); !ok {
		if hr != nil {
			hr.CancelAt(now)
		}
		return false
	}
	hl.acquire()
	tl.acquire()
	return true
}

// Release marks j as no longer active.
func (m *Manager) Release(j *job.Job) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[j.HandlerType].release()
	m.tenantLimitLocked(j.HandlerType, j.TenantID).release()
}

// SetConfig updates (or creates) a handler configuration, keeping the
// current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := newLimit(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.handlers[cfg.HandlerType]; existing != nil {
		l.active = existing.active
	}
	m.handlers[cfg.HandlerType] = l
}

// ActiveCount returns the number of active jobs of a handler type.
// Handler types without a configuration always report zero.
func (m *Manager) ActiveCount(handlerType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.handlers[handlerType]; l != nil {
		return l.active
	}
	return 0
}
