package job

import (
	"context"

	"github.com/xraph/jobservice/scope"
)

// Definition is a typed job handler. T is the handler configuration
// type; it is JSON-encoded into HandlerConfiguration at scheduling time
// and decoded before the handler runs.
type Definition[T any] struct {
	// Type is the handler type string jobs are dispatched by.
	Type string

	// Handler processes the decoded configuration. Its error is
	// classified with ResultOf.
	Handler func(ctx context.Context, config T, vars scope.VariableScope) error

	// Opts are the defaults applied to jobs scheduled for this type.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](handlerType string, handler func(ctx context.Context, config T, vars scope.VariableScope) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    handlerType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
