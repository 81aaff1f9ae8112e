package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/jobservice/scope"
)

// HandlerFunc executes one job against its resolved variable scope.
type HandlerFunc func(ctx context.Context, j *Job, vars scope.VariableScope) Result

// Registry maps handler type strings to handlers. It is safe for
// concurrent use. The primary and history pipelines each own one.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	defaults map[string]Options
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		defaults: make(map[string]Options),
	}
}

// Register binds a handler to a type, replacing any earlier binding.
func (r *Registry) Register(handlerType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerType] = h
}

// RegisterDefinition registers a typed definition. A configuration that
// fails to decode is a fatal result since retrying cannot fix it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, j *Job, vars scope.VariableScope) Result {
		var cfg T
		if len(j.HandlerConfiguration) > 0 {
			if err := json.Unmarshal(j.HandlerConfiguration, &cfg); err != nil {
				return Fatal(fmt.Errorf("decode configuration for %q: %w", def.Type, err))
			}
		}
		return ResultOf(def.Handler(ctx, cfg, vars))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Type] = handler
	r.defaults[def.Type] = def.Opts
}

// Get returns the handler for a type.
func (r *Registry) Get(handlerType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerType]
	return h, ok
}

// Defaults returns the Options a definition registered for a type.
func (r *Registry) Defaults(handlerType string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.defaults[handlerType]
	return o, ok
}

// Types returns all registered handler types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
