package job

import (
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
)

// Options configures a job at scheduling time.
type Options struct {
	// Retries is the retry budget. Zero means the engine default.
	Retries int

	// DueDate delays the first attempt. For timers it is the first
	// occurrence; zero for a repeating timer means the next occurrence
	// after now.
	DueDate time.Time

	// Exclusive serializes execution with the other exclusive jobs of
	// the same scope.
	Exclusive bool

	ScopeType    string
	ScopeID      string
	SubScopeID   string
	ExecutionID  string
	DeploymentID string
	ElementID    string
	TenantID     string

	CorrelationID string

	// Repeat, MaxIterations and EndDate describe a repeating timer.
	Repeat        string
	MaxIterations int
	EndDate       time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{Exclusive: true}
}

// Option is a functional option for scheduling a job.
type Option func(*Options)

// WithRetries sets the retry budget.
func WithRetries(n int) Option {
	return func(o *Options) { o.Retries = n }
}

// WithDueDate delays the job until t.
func WithDueDate(t time.Time) Option {
	return func(o *Options) { o.DueDate = t }
}

// WithExclusive sets whether the job is exclusive within its scope.
func WithExclusive(exclusive bool) Option {
	return func(o *Options) { o.Exclusive = exclusive }
}

// WithScope sets the owning scope of the job.
func WithScope(scopeType, scopeID, subScopeID string) Option {
	return func(o *Options) {
		o.ScopeType = scopeType
		o.ScopeID = scopeID
		o.SubScopeID = subScopeID
	}
}

// WithExecution sets the execution that created the job.
func WithExecution(executionID string) Option {
	return func(o *Options) { o.ExecutionID = executionID }
}

// WithDeployment sets the deployment the job belongs to.
func WithDeployment(deploymentID string) Option {
	return func(o *Options) { o.DeploymentID = deploymentID }
}

// WithElement records the model element that created the job.
func WithElement(elementID string) Option {
	return func(o *Options) { o.ElementID = elementID }
}

// WithTenant sets the tenant.
func WithTenant(tenantID string) Option {
	return func(o *Options) { o.TenantID = tenantID }
}

// WithCorrelation sets the correlation ID.
func WithCorrelation(correlationID string) Option {
	return func(o *Options) { o.CorrelationID = correlationID }
}

// WithRepeat makes a timer repeat on the given cron expression or
// descriptor.
func WithRepeat(expr string) Option {
	return func(o *Options) { o.Repeat = expr }
}

// WithMaxIterations stops a repeating timer after n fires.
func WithMaxIterations(n int) Option {
	return func(o *Options) { o.MaxIterations = n }
}

// WithEndDate stops a repeating timer after t.
func WithEndDate(t time.Time) Option {
	return func(o *Options) { o.EndDate = t }
}

// New builds an unsaved job of the given handler type. The shape is
// left empty; the manager assigns it when scheduling.
func New(handlerType string, configuration []byte, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return FromOptions(handlerType, configuration, o)
}

// FromOptions builds an unsaved job from resolved Options.
func FromOptions(handlerType string, configuration []byte, o Options) *Job {
	j := &Job{
		Entity:               jobservice.NewEntity(),
		ID:                   id.NewJobID(),
		HandlerType:          handlerType,
		HandlerConfiguration: configuration,
		Retries:              o.Retries,
		Exclusive:            o.Exclusive,
		ScopeType:            o.ScopeType,
		ScopeID:              o.ScopeID,
		SubScopeID:           o.SubScopeID,
		ExecutionID:          o.ExecutionID,
		DeploymentID:         o.DeploymentID,
		ElementID:            o.ElementID,
		TenantID:             o.TenantID,
		CorrelationID:        o.CorrelationID,
		Repeat:               o.Repeat,
		MaxIterations:        o.MaxIterations,
	}
	if !o.DueDate.IsZero() {
		j.DueDate = TimePtr(o.DueDate)
	}
	if !o.EndDate.IsZero() {
		j.EndDate = TimePtr(o.EndDate)
	}
	return j
}
