package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/jobservice/job"
)

// Pool is a bounded set of goroutines executing leased jobs. It holds at
// most concurrency running plus queueSize waiting jobs; Submit never
// blocks and reports false when the pool is full.
type Pool struct {
	executor    *Executor
	concurrency int
	queueSize   int
	logger      *slog.Logger

	tasks    chan task
	inflight atomic.Int64

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

type task struct {
	j    *job.Job
	done func()
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of executing goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueueSize sets how many submitted jobs may wait for a free
// goroutine.
func WithPoolQueueSize(n int) PoolOption {
	return func(p *Pool) { p.queueSize = n }
}

// NewPool creates a worker pool.
func NewPool(executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		executor:    executor,
		concurrency: 10,
		queueSize:   10,
		logger:      logger,
		activeJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.queueSize < 0 {
		p.queueSize = 0
	}
	p.tasks = make(chan task, p.capacity())
	return p
}

func (p *Pool) capacity() int { return p.concurrency + p.queueSize }

// Free returns how many more jobs Submit would accept right now.
func (p *Pool) Free() int {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return 0
	}
	free := p.capacity() - int(p.inflight.Load())
	if free < 0 {
		return 0
	}
	return free
}

// Submit hands a leased job to the pool. It returns false without
// blocking when the pool is full or stopped; the caller still owns the
// lease. done, if not nil, runs after the job finished executing.
func (p *Pool) Submit(j *job.Job, done func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	if p.inflight.Add(1) > int64(p.capacity()) {
		p.inflight.Add(-1)
		return false
	}
	select {
	case p.tasks <- task{j: j, done: done}:
		return true
	default:
		p.inflight.Add(-1)
		return false
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.String("shape", string(p.executor.Lane().Shape())),
		slog.Int("concurrency", p.concurrency),
		slog.Int("queue_size", p.queueSize),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.runLoop(p.stopCh)
	}
	return nil
}

// Stop stops accepting jobs and waits for running jobs to finish. Jobs
// still queued are unacquired. If ctx ends first, running jobs are
// cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh := p.stopCh
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("shape", string(p.executor.Lane().Shape())))

	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	p.drain(ctx)
	return nil
}

func (p *Pool) runLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()

	for {
		// Stop wins over queued work; drain returns the rest.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case t := <-p.tasks:
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t task) {
	defer func() {
		if t.done != nil {
			t.done()
		}
		p.inflight.Add(-1)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := t.j.ID.String()
	p.trackJob(key, cancel)
	defer p.untrackJob(key)

	if err := p.executor.Execute(ctx, t.j); err != nil {
		p.logger.Debug("job execution not recorded",
			slog.String("job_id", key),
			slog.String("handler_type", t.j.HandlerType),
			slog.String("error", err.Error()),
		)
	}
}

// drain unacquires jobs that were queued but never started.
func (p *Pool) drain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case t := <-p.tasks:
			if err := p.executor.Lane().Unacquire(ctx, t.j, "shutdown"); err != nil {
				p.logger.Warn("unacquire queued job on shutdown",
					slog.String("job_id", t.j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			if t.done != nil {
				t.done()
			}
			p.inflight.Add(-1)
		default:
			return
		}
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
