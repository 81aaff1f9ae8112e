package jobservice

import "time"

// Option adjusts a Config.
type Option func(*Config)

// Apply returns a copy of c with opts applied.
func (c Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithWorkerID sets the lock owner name written on leased jobs.
func WithWorkerID(workerID string) Option {
	return func(c *Config) { c.WorkerID = workerID }
}

// WithConcurrency sets the number of executor goroutines.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithQueueSize sets how many leased jobs may wait for an executor.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithAcquireInterval sets the acquisition poll interval.
func WithAcquireInterval(d time.Duration) Option {
	return func(c *Config) { c.AcquireInterval = d }
}

// WithAcquireBatchSize sets the maximum number of jobs leased per cycle.
func WithAcquireBatchSize(n int) Option {
	return func(c *Config) { c.AcquireBatchSize = n }
}

// WithLeaseDuration sets how long a job lease is held.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Config) { c.LeaseDuration = d }
}

// WithTimerInterval sets how often due timers are promoted.
func WithTimerInterval(d time.Duration) Option {
	return func(c *Config) { c.TimerInterval = d }
}

// WithDefaultRetries sets the retry budget for new jobs.
func WithDefaultRetries(n int) Option {
	return func(c *Config) { c.DefaultRetries = n }
}

// WithLastChanceVisible enables the final visible attempt after retries
// are exhausted.
func WithLastChanceVisible(enabled bool) Option {
	return func(c *Config) { c.LastChanceVisible = enabled }
}

// WithMissedPolicy sets how repeating timers catch up on missed
// occurrences.
func WithMissedPolicy(p MissedPolicy, maxFires int) Option {
	return func(c *Config) {
		c.MissedPolicy = p
		c.MaxMissedFires = maxFires
	}
}

// WithHistory enables or disables the history pipeline.
func WithHistory(enabled bool) Option {
	return func(c *Config) { c.HistoryEnabled = enabled }
}

// WithHistoryDeadLetter parks exhausted history jobs as dead letters.
func WithHistoryDeadLetter(enabled bool) Option {
	return func(c *Config) { c.HistoryDeadLetter = enabled }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}
