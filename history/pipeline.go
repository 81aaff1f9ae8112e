package history

import (
	"context"
	"log/slog"

	"github.com/xraph/jobservice/ext"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/manager"
	"github.com/xraph/jobservice/middleware"
	"github.com/xraph/jobservice/worker"
)

// Pipeline leases and executes history jobs.
type Pipeline struct {
	pool     *worker.Pool
	acquirer *worker.Acquirer
	logger   *slog.Logger
}

// NewPipeline builds the pipeline over the history lane of m. The
// schedule and pool size come from the manager configuration
// (HistoryInterval, HistoryConcurrency).
func NewPipeline(m *manager.Manager, registry *job.Registry, workerID string, exts *ext.Registry, logger *slog.Logger) *Pipeline {
	cfg := m.Config()
	lane := m.HistoryLane()

	exec := worker.NewExecutor(lane, registry, exts, logger, middleware.Recover(logger))
	pool := worker.NewPool(exec, logger,
		worker.WithPoolConcurrency(cfg.HistoryConcurrency),
		worker.WithPoolQueueSize(cfg.HistoryConcurrency),
	)
	acq := worker.NewAcquirer(lane, pool, workerID, logger,
		worker.WithAcquireInterval(cfg.HistoryInterval),
		worker.WithAcquireBatchSize(cfg.AcquireBatchSize),
	)
	return &Pipeline{pool: pool, acquirer: acq, logger: logger}
}

// Acquirer returns the pipeline's acquisition cycle.
func (p *Pipeline) Acquirer() *worker.Acquirer { return p.acquirer }

// Start starts the pool, then the acquisition loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return err
	}
	return p.acquirer.Start(ctx)
}

// Stop stops acquiring, then drains the pool.
func (p *Pipeline) Stop(ctx context.Context) error {
	if err := p.acquirer.Stop(ctx); err != nil {
		p.logger.Warn("history acquirer stop", slog.String("error", err.Error()))
	}
	return p.pool.Stop(ctx)
}
