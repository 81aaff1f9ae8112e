// Package manager owns every shape transition of a job. Schedulers,
// the timer trigger, workers and operators all go through the Manager;
// nothing else writes a shape.
//
// Each transition is a single conditional store write against the
// revision the caller read. Transitions that lose a race return
// jobservice.ErrStaleState; bulk operations absorb it by re-reading the
// job and retrying.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/backoff"
	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/processor"
	"github.com/xraph/jobservice/timer"
)

// maxExceptionLength bounds the stored failure message.
const maxExceptionLength = 4000

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBackoff sets the retry backoff for failed primary jobs.
func WithBackoff(s backoff.Strategy) Option {
	return func(m *Manager) { m.backoff = s }
}

// WithHistoryBackoff sets the retry backoff for failed history jobs.
func WithHistoryBackoff(s backoff.Strategy) Option {
	return func(m *Manager) { m.historyBackoff = s }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Manager) { m.exts = r }
}

// WithProcessors sets the processor chain for primary jobs.
func WithProcessors(c *processor.Chain) Option {
	return func(m *Manager) { m.processors = c }
}

// WithHistoryProcessors sets the processor chain for history jobs.
func WithHistoryProcessors(c *processor.Chain) Option {
	return func(m *Manager) { m.historyProcessors = c }
}

// WithRegistry lets ScheduleAsync apply the defaults of typed
// definitions.
func WithRegistry(r *job.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager performs job shape transitions.
type Manager struct {
	store  job.Store
	config jobservice.Config
	logger *slog.Logger
	now    func() time.Time

	backoff        backoff.Strategy
	historyBackoff backoff.Strategy

	exts              *ext.Registry
	processors        *processor.Chain
	historyProcessors *processor.Chain
	registry          *job.Registry
}

// New creates a Manager over store.
func New(store job.Store, cfg jobservice.Config, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		config:         cfg,
		logger:         slog.Default(),
		now:            time.Now,
		backoff:        backoff.DefaultStrategy(),
		historyBackoff: backoff.NewExponential(time.Second, time.Minute),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() jobservice.Config { return m.config }

// Store returns the underlying store.
func (m *Manager) Store() job.Store { return m.store }

func (m *Manager) clock() time.Time { return m.now().UTC() }

// ──────────────────────────────────────────────────
// Scheduling
// ──────────────────────────────────────────────────

// ScheduleAsyncJob persists j as an executable job.
func (m *Manager) ScheduleAsyncJob(ctx context.Context, j *job.Job) error {
	j.Shape = job.ShapeReady
	return m.create(ctx, j, m.processors)
}

// ScheduleAsync builds and schedules an executable job, applying the
// defaults registered for its handler type first.
func (m *Manager) ScheduleAsync(ctx context.Context, handlerType string, configuration []byte, opts ...job.Option) (*job.Job, error) {
	j := job.FromOptions(handlerType, configuration, m.options(handlerType, opts))
	if err := m.ScheduleAsyncJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ScheduleTimerJob persists j as a timer. A repeating timer without a
// due date first fires at the next occurrence after now.
func (m *Manager) ScheduleTimerJob(ctx context.Context, j *job.Job) error {
	j.Shape = job.ShapeTimer
	if j.IsRepeating() {
		sched, err := timer.ParseRepeat(j.Repeat)
		if err != nil {
			return err
		}
		if j.DueDate == nil {
			j.DueDate = timer.FirstOccurrence(sched, m.clock(), j.EndDate)
			if j.DueDate == nil {
				return fmt.Errorf("%w: %q has no occurrence before its end date", jobservice.ErrInvalidRepeat, j.Repeat)
			}
		}
	}
	if j.DueDate == nil {
		return fmt.Errorf("%w: timer job requires a due date or repeat", jobservice.ErrInvalidShape)
	}
	return m.create(ctx, j, m.processors)
}

// ScheduleTimer builds and schedules a timer job.
func (m *Manager) ScheduleTimer(ctx context.Context, handlerType string, configuration []byte, opts ...job.Option) (*job.Job, error) {
	j := job.FromOptions(handlerType, configuration, m.options(handlerType, opts))
	if err := m.ScheduleTimerJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (m *Manager) options(handlerType string, opts []job.Option) job.Options {
	o := job.DefaultOptions()
	if m.registry != nil {
		if d, ok := m.registry.Defaults(handlerType); ok {
			o = d
		}
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (m *Manager) create(ctx context.Context, j *job.Job, chain *processor.Chain) error {
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	if j.CreatedAt.IsZero() {
		j.Entity = jobservice.NewEntity()
	}
	if j.Retries <= 0 {
		j.Retries = m.config.DefaultRetries
	}
	j.ClearLease()
	j.OriginShape = ""

	if err := chain.Run(ctx, processor.PhaseBeforeCreate, j); err != nil {
		m.logger.Info("job rejected before create",
			slog.String("job_id", j.ID.String()),
			slog.String("handler_type", j.HandlerType),
			slog.String("reason", err.Error()),
		)
		return err
	}

	if err := m.store.InsertJob(ctx, j); err != nil {
		return fmt.Errorf("schedule %s job: %w", j.Shape, err)
	}

	m.exts.EmitJobCreated(ctx, j)
	m.logger.Debug("job scheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.String("shape", string(j.Shape)),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Shape transitions
// ──────────────────────────────────────────────────

// move writes next over j with a shape check and, on success, copies the
// stored state back into j.
func (m *Manager) move(ctx context.Context, j, next *job.Job, spawned ...*job.Job) error {
	if err := m.store.MoveJob(ctx, next, j.Shape, j.Revision, spawned...); err != nil {
		return err
	}
	*j = *next
	return nil
}

func requireShape(j *job.Job, shapes ...job.Shape) error {
	for _, s := range shapes {
		if j.Shape == s {
			return nil
		}
	}
	return fmt.Errorf("%w: job %s is %s", jobservice.ErrInvalidShape, j.ID, j.Shape)
}

// MoveTimerToExecutableJob promotes a due timer. For a repeating timer
// the next occurrence (and, under MissedFireEach, the missed ones) is
// inserted in the same store operation. It returns false without error
// when another node already promoted the timer.
func (m *Manager) MoveTimerToExecutableJob(ctx context.Context, t *job.Job, now time.Time) (bool, error) {
	if err := requireShape(t, job.ShapeTimer); err != nil {
		return false, err
	}

	fired := t.Clone()
	fired.Shape = job.ShapeReady
	fired.DueDate = nil
	fired.Repeat = ""
	fired.MaxIterations = 0
	fired.EndDate = nil
	fired.ClearLease()

	var (
		spawned []*job.Job
		next    *job.Job
	)
	if t.IsRepeating() {
		fired.Iteration = t.Iteration + 1
		sched, err := timer.ParseRepeat(t.Repeat)
		if err != nil {
			m.logger.Error("repeating timer has invalid repeat; firing once",
				slog.String("job_id", t.ID.String()),
				slog.String("repeat", t.Repeat),
				slog.String("error", err.Error()),
			)
		} else {
			plan := timer.PlanFire(sched, t, now, m.config.MissedPolicy, m.config.MaxMissedFires)
			for i := range plan.Missed {
				extra := fired.Clone()
				extra.ID = id.NewJobID()
				extra.Entity = jobservice.NewEntity()
				extra.Iteration = fired.Iteration + 1 + i
				spawned = m.appendCreated(ctx, spawned, extra)
			}
			if plan.Next != nil {
				candidate := t.Clone()
				candidate.ID = id.NewJobID()
				candidate.Entity = jobservice.NewEntity()
				candidate.DueDate = plan.Next
				candidate.Iteration = plan.Iteration
				candidate.ClearLease()
				before := len(spawned)
				if spawned = m.appendCreated(ctx, spawned, candidate); len(spawned) > before {
					next = candidate
				}
			}
		}
	}

	err := m.store.MoveJob(ctx, fired, job.ShapeTimer, t.Revision, spawned...)
	if errors.Is(err, jobservice.ErrStaleState) {
		m.logger.Debug("timer already promoted",
			slog.String("job_id", t.ID.String()),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("promote timer %s: %w", t.ID, err)
	}
	*t = *fired

	m.exts.EmitTimerPromoted(ctx, fired, next)
	for _, s := range spawned {
		m.exts.EmitJobCreated(ctx, s)
	}
	attrs := []any{
		slog.String("job_id", fired.ID.String()),
		slog.String("handler_type", fired.HandlerType),
		slog.Int("spawned", len(spawned)),
	}
	if next != nil {
		attrs = append(attrs, slog.String("next_job_id", next.ID.String()), slog.Time("next_due", *next.DueDate))
	}
	m.logger.Debug("timer promoted", attrs...)
	return true, nil
}

// appendCreated runs the create processors over a job spawned by a
// timer and appends it unless rejected.
func (m *Manager) appendCreated(ctx context.Context, spawned []*job.Job, j *job.Job) []*job.Job {
	if err := m.processors.Run(ctx, processor.PhaseBeforeCreate, j); err != nil {
		m.logger.Info("spawned job rejected before create",
			slog.String("job_id", j.ID.String()),
			slog.String("reason", err.Error()),
		)
		return spawned
	}
	return append(spawned, j)
}

// MoveJobToTimerJob parks an executable job until dueDate.
func (m *Manager) MoveJobToTimerJob(ctx context.Context, j *job.Job, dueDate time.Time) error {
	if err := requireShape(j, job.ShapeReady); err != nil {
		return err
	}
	next := j.Clone()
	next.Shape = job.ShapeTimer
	next.DueDate = job.TimePtr(dueDate)
	next.ClearLease()
	return m.move(ctx, j, next)
}

// MoveJobToDeadLetterJob parks a job for operator intervention. cause
// is recorded as the exception.
func (m *Manager) MoveJobToDeadLetterJob(ctx context.Context, j *job.Job, cause error) error {
	if err := requireShape(j, job.ShapeReady, job.ShapeTimer, job.ShapeHistory); err != nil {
		return err
	}
	next := j.Clone()
	next.Shape = job.ShapeDeadLetter
	next.Retries = 0
	next.LastChance = false
	next.ClearLease()
	setException(next, cause)
	if err := m.move(ctx, j, next); err != nil {
		return err
	}

	m.exts.EmitJobDeadLettered(ctx, j, cause)
	m.logger.Warn("job moved to dead letter",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.Int("attempts", j.Attempts),
		slog.String("error", j.ExceptionMessage),
	)
	return nil
}

// MoveJobToSuspendedJob parks a job of a suspended scope. Activation
// returns it to the shape it had here.
func (m *Manager) MoveJobToSuspendedJob(ctx context.Context, j *job.Job) error {
	if err := requireShape(j, job.ShapeReady, job.ShapeTimer, job.ShapeDeadLetter); err != nil {
		return err
	}
	next := j.Clone()
	next.OriginShape = j.Shape
	next.Shape = job.ShapeSuspended
	next.ClearLease()
	if err := m.move(ctx, j, next); err != nil {
		return err
	}
	m.exts.EmitJobSuspended(ctx, j)
	return nil
}

// ActivateSuspendedJob returns a suspended job to its origin shape.
func (m *Manager) ActivateSuspendedJob(ctx context.Context, j *job.Job) error {
	if err := requireShape(j, job.ShapeSuspended); err != nil {
		return err
	}
	next := j.Clone()
	next.Shape = j.OriginShape
	if !next.Shape.Valid() || next.Shape == job.ShapeSuspended {
		next.Shape = job.ShapeReady
	}
	next.OriginShape = ""
	if err := m.move(ctx, j, next); err != nil {
		return err
	}
	m.exts.EmitJobActivated(ctx, j)
	return nil
}

// MoveDeadLetterJobToExecutableJob is the operator retry: the job gets a
// fresh retry budget (the default when retries <= 0) and becomes
// executable immediately.
func (m *Manager) MoveDeadLetterJobToExecutableJob(ctx context.Context, j *job.Job, retries int) error {
	if err := requireShape(j, job.ShapeDeadLetter); err != nil {
		return err
	}
	if retries <= 0 {
		retries = m.config.DefaultRetries
	}
	next := j.Clone()
	next.Shape = job.ShapeReady
	next.Retries = retries
	next.Attempts = 0
	next.LastChance = false
	next.DueDate = nil
	next.ClearLease()
	if err := m.move(ctx, j, next); err != nil {
		return err
	}
	m.logger.Info("dead letter job retried",
		slog.String("job_id", j.ID.String()),
		slog.String("handler_type", j.HandlerType),
		slog.Int("retries", retries),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetJob returns a job by ID.
func (m *Manager) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching q.
func (m *Manager) ListJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	return m.store.ListJobs(ctx, q)
}

// CountJobs counts jobs matching q.
func (m *Manager) CountJobs(ctx context.Context, q job.Query) (int64, error) {
	return m.store.CountJobs(ctx, q)
}

func setException(j *job.Job, cause error) {
	if cause == nil {
		return
	}
	msg := cause.Error()
	if len(msg) > maxExceptionLength {
		msg = msg[:maxExceptionLength]
	}
	j.ExceptionMessage = msg
	j.ExceptionStacktrace = fmt.Sprintf("%+v", cause)
}
