package throttle

// TenantConfig defines rate limits and concurrency for one tenant.
type TenantConfig struct {
	// HandlerType restricts the limits to one handler type. Empty
	// applies them to every handler type of the tenant that has no
	// handler-specific tenant configuration.
	HandlerType string

	// TenantID is the job tenant.
	TenantID string

	// RateLimit is the sustained jobs per second for this tenant.
	RateLimit float64

	// RateBurst is the burst size for the tenant's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous jobs of this tenant. Zero
	// means no limit.
	MaxConcurrency int
}

type tenantKey struct {
	handlerType string
	tenantID    string
}

// SetTenantConfig configures limits for a tenant. Calling it again for
// the same handler type and tenant replaces the previous configuration.
func (m *Manager) SetTenantConfig(cfg TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantKey{cfg.HandlerType, cfg.TenantID}
	l := newLimit(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.tenants[key]; existing != nil {
		l.active = existing.active
	}
	m.tenants[key] = l
}

// TenantActiveCount returns the number of active jobs counted against
// a tenant configuration.
func (m *Manager) TenantActiveCount(handlerType, tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.tenants[tenantKey{handlerType, tenantID}]; l != nil {
		return l.active
	}
	return 0
}

func (m *Manager) tenantLimitLocked(handlerType, tenantID string) *limit {
	if tenantID == "" {
		return nil
	}
	if l := m.tenants[tenantKey{handlerType, tenantID}]; l != nil {
		return l
	}
	return m.tenants[tenantKey{"", tenantID}]
}
