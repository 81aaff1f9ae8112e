package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobservice/job"
)

// entry pairs a hook with the name of the extension it came from.
type entry[H any] struct {
	name string
	hook H
}

func collect[H any](list []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		list = append(list, entry[H]{name: e.Name(), hook: h})
	}
	return list
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Hooks are type-cached at registration so emit calls iterate
// only over extensions that implement them. A nil *Registry is valid
// and emits nothing.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobCreated      []entry[JobCreated]
	jobStarted      []entry[JobStarted]
	jobCompleted    []entry[JobCompleted]
	jobRetrying     []entry[JobRetrying]
	jobDeadLettered []entry[JobDeadLettered]
	jobSuspended    []entry[JobSuspended]
	jobActivated    []entry[JobActivated]
	jobUnacquired   []entry[JobUnacquired]
	timerPromoted   []entry[TimerPromoted]
	historyFailed   []entry[HistoryFailed]
	shutdown        []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Extensions are notified in registration
// order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)

	r.jobCreated = collect(r.jobCreated, e)
	r.jobStarted = collect(r.jobStarted, e)
	r.jobCompleted = collect(r.jobCompleted, e)
	r.jobRetrying = collect(r.jobRetrying, e)
	r.jobDeadLettered = collect(r.jobDeadLettered, e)
	r.jobSuspended = collect(r.jobSuspended, e)
	r.jobActivated = collect(r.jobActivated, e)
	r.jobUnacquired = collect(r.jobUnacquired, e)
	r.timerPromoted = collect(r.timerPromoted, e)
	r.historyFailed = collect(r.historyFailed, e)
	r.shutdown = collect(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

// EmitJobCreated notifies JobCreated hooks.
func (r *Registry) EmitJobCreated(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobCreated {
		r.check("OnJobCreated", e.name, e.hook.OnJobCreated(ctx, j))
	}
}

// EmitJobStarted notifies JobStarted hooks.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobStarted {
		r.check("OnJobStarted", e.name, e.hook.OnJobStarted(ctx, j))
	}
}

// EmitJobCompleted notifies JobCompleted hooks.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.jobCompleted {
		r.check("OnJobCompleted", e.name, e.hook.OnJobCompleted(ctx, j, elapsed))
	}
}

// EmitJobRetrying notifies JobRetrying hooks.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, cause error, nextDue time.Time) {
	if r == nil {
		return
	}
	for _, e := range r.jobRetrying {
		r.check("OnJobRetrying", e.name, e.hook.OnJobRetrying(ctx, j, cause, nextDue))
	}
}

// EmitJobDeadLettered notifies JobDeadLettered hooks.
func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, cause error) {
	if r == nil {
		return
	}
	for _, e := range r.jobDeadLettered {
		r.check("OnJobDeadLettered", e.name, e.hook.OnJobDeadLettered(ctx, j, cause))
	}
}

// EmitJobSuspended notifies JobSuspended hooks.
func (r *Registry) EmitJobSuspended(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobSuspended {
		r.check("OnJobSuspended", e.name, e.hook.OnJobSuspended(ctx, j))
	}
}

// EmitJobActivated notifies JobActivated hooks.
func (r *Registry) EmitJobActivated(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobActivated {
		r.check("OnJobActivated", e.name, e.hook.OnJobActivated(ctx, j))
	}
}

// EmitJobUnacquired notifies JobUnacquired hooks.
func (r *Registry) EmitJobUnacquired(ctx context.Context, j *job.Job, reason string) {
	if r == nil {
		return
	}
	for _, e := range r.jobUnacquired {
		r.check("OnJobUnacquired", e.name, e.hook.OnJobUnacquired(ctx, j, reason))
	}
}

// EmitTimerPromoted notifies TimerPromoted hooks.
func (r *Registry) EmitTimerPromoted(ctx context.Context, fired, next *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.timerPromoted {
		r.check("OnTimerPromoted", e.name, e.hook.OnTimerPromoted(ctx, fired, next))
	}
}

// EmitHistoryFailed notifies HistoryFailed hooks.
func (r *Registry) EmitHistoryFailed(ctx context.Context, j *job.Job, cause error, dropped bool) {
	if r == nil {
		return
	}
	for _, e := range r.historyFailed {
		r.check("OnHistoryFailed", e.name, e.hook.OnHistoryFailed(ctx, j, cause, dropped))
	}
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

// check logs a hook error. Hook errors never propagate into the job
// pipeline.
func (r *Registry) check(hook, extName string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
