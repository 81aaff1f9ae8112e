package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/backoff"
	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/history"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/manager"
	mw "github.com/xraph/jobservice/middleware"
	"github.com/xraph/jobservice/observability"
	"github.com/xraph/jobservice/processor"
	"github.com/xraph/jobservice/scope"
	"github.com/xraph/jobservice/throttle"
	"github.com/xraph/jobservice/timer"
	"github.com/xraph/jobservice/worker"
)

// instrumentationName is the OTel scope used with custom providers.
const instrumentationName = "github.com/xraph/jobservice"

// Engine owns the running parts of one jobservice node.
type Engine struct {
	config     jobservice.Config
	store      job.Store
	logger     *slog.Logger
	manager    *manager.Manager
	registry   *job.Registry
	extensions *ext.Registry

	historyRegistry *job.Registry
	historyHandlers map[string]job.HandlerFunc
	exts       []ext.Extension

	processors        *processor.Chain
	historyProcessors *processor.Chain
	resolver          scope.Resolver
	sink              history.Sink
	bo                backoff.Strategy
	mws               []mw.Middleware
	timeouts          func(*job.Job) time.Duration

	throttleConfigs []throttle.Config
	tenantConfigs   []throttle.TenantConfig
	throttle        *throttle.Manager

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	pool     *worker.Pool
	acquirer *worker.Acquirer
	trigger  *timer.Trigger
	history  *history.Pipeline

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg jobservice.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithOptions applies configuration options on top of the current
// configuration.
func WithOptions(opts ...jobservice.Option) Option {
	return func(eng *Engine) { eng.config = eng.config.Apply(opts...) }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m ...mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m...) }
}

// WithBackoff sets the retry backoff of failed jobs. The default is
// backoff.DefaultStrategy() (exponential with jitter).
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithProcessor adds processors consulted at BEFORE_CREATE and
// BEFORE_EXECUTE of primary jobs.
func WithProcessor(p ...processor.Processor) Option {
	return func(eng *Engine) { eng.processors.Use(p...) }
}

// WithHistoryProcessor adds processors for history jobs.
func WithHistoryProcessor(p ...processor.Processor) Option {
	return func(eng *Engine) { eng.historyProcessors.Use(p...) }
}

// WithHistoryHandler binds a handler to a custom history job type.
// History jobs of that type are scheduled with
// Manager.ScheduleHistoryJob and run on the history pipeline. Binding
// one of the built-in history types replaces its sink handler.
func WithHistoryHandler(historyType string, h job.HandlerFunc) Option {
	return func(eng *Engine) { eng.historyHandlers[historyType] = h }
}

// WithScopeResolver sets the variable scope resolver handlers run
// against. The default resolves every reference to an empty scope.
func WithScopeResolver(r scope.Resolver) Option {
	return func(eng *Engine) { eng.resolver = r }
}

// WithHistorySink sets where history jobs record outcomes. The default
// logs them.
func WithHistorySink(s history.Sink) Option {
	return func(eng *Engine) { eng.sink = s }
}

// WithHandlerTimeout bounds each handler run.
func WithHandlerTimeout(limit func(*job.Job) time.Duration) Option {
	return func(eng *Engine) { eng.timeouts = limit }
}

// WithThrottle registers per-handler-type concurrency and rate limits.
// Handler types not listed are unlimited.
func WithThrottle(configs ...throttle.Config) Option {
	return func(eng *Engine) { eng.throttleConfigs = append(eng.throttleConfigs, configs...) }
}

// WithTenantThrottle registers per-tenant limits.
func WithTenantThrottle(configs ...throttle.TenantConfig) Option {
	return func(eng *Engine) { eng.tenantConfigs = append(eng.tenantConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the
// metrics middleware and the observability extension. If not set, the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine over s. Nothing runs until Start.
func Build(s job.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, jobservice.ErrNoStore
	}

	eng := &Engine{
		config:            jobservice.DefaultConfig(),
		store:             s,
		logger:            slog.Default(),
		registry:          job.NewRegistry(),
		historyRegistry:   job.NewRegistry(),
		historyHandlers:   make(map[string]job.HandlerFunc),
		processors:        processor.NewChain(),
		historyProcessors: processor.NewChain(),
		resolver:          scope.Empty(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if err := validate(eng.config); err != nil {
		return nil, err
	}

	logger := eng.logger
	eng.extensions = ext.NewRegistry(logger)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.sink == nil {
		eng.sink = history.LogSink(logger)
	}
	history.RegisterSink(eng.historyRegistry, eng.sink)
	for historyType, h := range eng.historyHandlers {
		eng.historyRegistry.Register(historyType, h)
	}
	if eng.config.WorkerID == "" {
		eng.config.WorkerID = id.NewWorkerID().String()
	}

	if eng.meterProvider != nil {
		eng.extensions.Register(observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability")))
	} else {
		eng.extensions.Register(observability.NewMetricsExtension())
	}

	eng.manager = manager.New(s, eng.config,
		manager.WithLogger(logger),
		manager.WithBackoff(eng.bo),
		manager.WithExtensions(eng.extensions),
		manager.WithProcessors(eng.processors),
		manager.WithHistoryProcessors(eng.historyProcessors),
		manager.WithRegistry(eng.registry),
	)

	if len(eng.throttleConfigs) > 0 || len(eng.tenantConfigs) > 0 {
		eng.throttle = throttle.NewManager(eng.throttleConfigs...)
		for _, tc := range eng.tenantConfigs {
			eng.throttle.SetTenantConfig(tc)
		}
	}

	lane := eng.manager.PrimaryLane()
	executor := worker.NewExecutor(lane, eng.registry, eng.extensions, logger, eng.middleware()...)
	eng.pool = worker.NewPool(executor, logger,
		worker.WithPoolConcurrency(eng.config.Concurrency),
		worker.WithPoolQueueSize(eng.config.QueueSize),
	)

	acqOpts := []worker.AcquirerOption{
		worker.WithAcquireInterval(eng.config.AcquireInterval),
		worker.WithAcquireBatchSize(eng.config.AcquireBatchSize),
	}
	if eng.throttle != nil {
		acqOpts = append(acqOpts, worker.WithThrottle(eng.throttle))
	}
	eng.acquirer = worker.NewAcquirer(lane, eng.pool, eng.config.WorkerID, logger, acqOpts...)

	eng.trigger = timer.NewTrigger(s, eng.manager,
		timer.WithInterval(eng.config.TimerInterval),
		timer.WithBatchSize(eng.config.TimerBatchSize),
		timer.WithLogger(logger),
	)

	if eng.config.HistoryEnabled {
		eng.history = history.NewPipeline(eng.manager, eng.historyRegistry, eng.config.WorkerID, eng.extensions, logger)
	}

	return eng, nil
}

// middleware builds the default chain: recover → tracing → metrics →
// logging → scope → timeout, then the user chain.
func (eng *Engine) middleware() []mw.Middleware {
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	mws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Scope(eng.resolver),
	}
	if eng.timeouts != nil {
		mws = append(mws, mw.Timeout(eng.logger, eng.timeouts))
	}
	return append(mws, eng.mws...)
}

func validate(cfg jobservice.Config) error {
	switch {
	case cfg.Concurrency < 1:
		return fmt.Errorf("jobservice: concurrency must be positive, got %d", cfg.Concurrency)
	case cfg.QueueSize < 0:
		return fmt.Errorf("jobservice: queue size must not be negative, got %d", cfg.QueueSize)
	case cfg.LeaseDuration <= 0:
		return fmt.Errorf("jobservice: lease duration must be positive, got %s", cfg.LeaseDuration)
	case cfg.AcquireInterval <= 0 || cfg.TimerInterval <= 0:
		return fmt.Errorf("jobservice: poll intervals must be positive")
	case cfg.MissedPolicy != jobservice.MissedFireOnce && cfg.MissedPolicy != jobservice.MissedFireEach:
		return fmt.Errorf("jobservice: unknown missed fire policy %q", cfg.MissedPolicy)
	case cfg.HistoryEnabled && (cfg.HistoryConcurrency < 1 || cfg.HistoryInterval <= 0):
		return fmt.Errorf("jobservice: history pipeline needs positive concurrency and interval")
	}
	return nil
}

// Start begins promoting timers and executing jobs.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return nil
	}

	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	if err := eng.acquirer.Start(ctx); err != nil {
		return fmt.Errorf("start acquirer: %w", err)
	}
	if err := eng.trigger.Start(ctx); err != nil {
		return fmt.Errorf("start timer trigger: %w", err)
	}
	if eng.history != nil {
		if err := eng.history.Start(ctx); err != nil {
			return fmt.Errorf("start history pipeline: %w", err)
		}
	}

	eng.started = true
	eng.logger.Info("jobservice engine started",
		slog.String("worker_id", eng.config.WorkerID),
		slog.Int("concurrency", eng.config.Concurrency),
		slog.Bool("history", eng.history != nil),
	)
	return nil
}

// Stop stops acquiring and promoting, then waits up to ShutdownTimeout
// for in-flight jobs. Queued jobs that never started are unacquired.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.started {
		return nil
	}
	eng.started = false

	if eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}

	// Producers first, so that nothing new lands in the pools.
	producers, pctx := errgroup.WithContext(ctx)
	producers.Go(func() error { return eng.acquirer.Stop(pctx) })
	producers.Go(func() error { return eng.trigger.Stop(pctx) })
	if err := producers.Wait(); err != nil {
		eng.logger.Warn("stop producers", slog.String("error", err.Error()))
	}

	pools, pctx := errgroup.WithContext(ctx)
	pools.Go(func() error { return eng.pool.Stop(pctx) })
	if eng.history != nil {
		pools.Go(func() error { return eng.history.Stop(pctx) })
	}
	err := pools.Wait()

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("jobservice engine stopped", slog.String("worker_id", eng.config.WorkerID))
	return err
}

// Run starts the engine, blocks until ctx is done, then stops it.
func (eng *Engine) Run(ctx context.Context) error {
	if err := eng.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return eng.Stop(context.WithoutCancel(ctx))
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Schedule JSON-encodes config and schedules an executable job.
func Schedule[T any](ctx context.Context, eng *Engine, handlerType string, config T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration for job %q: %w", handlerType, err)
	}
	return eng.manager.ScheduleAsync(ctx, handlerType, data, opts...)
}

// ScheduleTimer JSON-encodes config and schedules a timer. The options
// must carry a due date or a repeat descriptor.
func ScheduleTimer[T any](ctx context.Context, eng *Engine, handlerType string, config T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration for timer %q: %w", handlerType, err)
	}
	return eng.manager.ScheduleTimer(ctx, handlerType, data, opts...)
}

// Config returns the effective configuration.
func (eng *Engine) Config() jobservice.Config { return eng.config }

// Manager returns the job manager for scheduling and operator actions.
func (eng *Engine) Manager() *manager.Manager { return eng.manager }

// Registry returns the primary handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// HistoryRegistry returns the handler registry of the history
// pipeline. Handlers may be added before Start.
func (eng *Engine) HistoryRegistry() *job.Registry { return eng.historyRegistry }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Throttle returns the throttle manager, or nil when no limits were
// configured.
func (eng *Engine) Throttle() *throttle.Manager { return eng.throttle }

// WorkerID returns the lease owner name of this node.
func (eng *Engine) WorkerID() string { return eng.config.WorkerID }
