// Package scope resolves the variable scope a job handler runs against.
//
// A job references its owning scope (a process instance, a case, ...)
// through scopeType, scopeID and subScopeID. Before a handler executes,
// the resolver turns that reference into a VariableScope. If the
// resolved scope also implements Committer, its changes are committed
// right before the job completion is recorded.
package scope

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrScopeNotFound is returned by resolvers that know nothing about the
// referenced scope.
var ErrScopeNotFound = errors.New("scope: not found")

// Ref identifies a variable scope.
type Ref struct {
	Type  string
	ID    string
	SubID string
}

// IsZero reports whether the reference points at no scope at all.
func (r Ref) IsZero() bool { return r.Type == "" && r.ID == "" && r.SubID == "" }

func (r Ref) key() string { return r.Type + "\x00" + r.ID + "\x00" + r.SubID }

// VariableScope exposes the variables a handler may read and write.
type VariableScope interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	Names() []string
}

// Committer is implemented by scopes whose writes must be flushed before
// the job is marked complete.
type Committer interface {
	Commit(ctx context.Context) error
}

// Resolver turns a Ref into a VariableScope.
type Resolver interface {
	Resolve(ctx context.Context, ref Ref) (VariableScope, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref Ref) (VariableScope, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref Ref) (VariableScope, error) {
	return f(ctx, ref)
}

// Empty returns a resolver that hands every job a fresh, empty scope.
func Empty() Resolver {
	return ResolverFunc(func(context.Context, Ref) (VariableScope, error) {
		return NewVariables(nil), nil
	})
}

// Variables is a concurrency-safe map-backed VariableScope.
type Variables struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewVariables returns a scope seeded with a copy of initial.
func NewVariables(initial map[string]any) *Variables {
	v := &Variables{vars: make(map[string]any, len(initial))}
	for k, val := range initial {
		v.vars[k] = val
	}
	return v
}

// Get returns a variable.
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vars[name]
	return val, ok
}

// Set writes a variable.
func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	v.vars[name] = value
	v.mu.Unlock()
}

// Names returns the variable names in sorted order.
func (v *Variables) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.vars))
	for k := range v.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all variables.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.vars))
	for k, val := range v.vars {
		out[k] = val
	}
	return out
}

// MemoryResolver keeps scopes in memory. Resolve hands out a working
// copy; writes become visible to later resolutions only once the copy is
// committed, so a failed handler leaves the stored scope untouched.
type MemoryResolver struct {
	mu     sync.RWMutex
	scopes map[string]map[string]any
	strict bool
}

// NewMemoryResolver creates an empty MemoryResolver. When strict is
// true, resolving an unknown non-zero Ref fails with ErrScopeNotFound;
// otherwise unknown scopes start empty.
func NewMemoryResolver(strict bool) *MemoryResolver {
	return &MemoryResolver{scopes: make(map[string]map[string]any), strict: strict}
}

// Put seeds or replaces the variables of a scope.
func (m *MemoryResolver) Put(ref Ref, vars map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	m.scopes[ref.key()] = cp
}

// Variables returns a copy of the committed variables of a scope.
func (m *MemoryResolver) Variables(ref Ref) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.scopes[ref.key()]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(stored))
	for k, v := range stored {
		cp[k] = v
	}
	return cp, true
}

// Resolve implements Resolver.
func (m *MemoryResolver) Resolve(_ context.Context, ref Ref) (VariableScope, error) {
	stored, ok := m.Variables(ref)
	if !ok && m.strict && !ref.IsZero() {
		return nil, ErrScopeNotFound
	}
	return &memoryScope{Variables: NewVariables(stored), ref: ref, owner: m}, nil
}

type memoryScope struct {
	*Variables
	ref   Ref
	owner *MemoryResolver
}

func (s *memoryScope) Commit(context.Context) error {
	s.owner.Put(s.ref, s.Snapshot())
	return nil
}

type ctxKey struct{}

// WithVariables attaches a resolved scope to ctx.
func WithVariables(ctx context.Context, vs VariableScope) context.Context {
	return context.WithValue(ctx, ctxKey{}, vs)
}

// FromContext returns the scope attached by WithVariables, or an empty
// scope when none is present.
func FromContext(ctx context.Context) VariableScope {
	if vs, ok := ctx.Value(ctxKey{}).(VariableScope); ok && vs != nil {
		return vs
	}
	return NewVariables(nil)
}
