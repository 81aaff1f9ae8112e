package jobservice

import "time"

// MissedPolicy selects what a repeating timer does when one or more of
// its occurrences passed while nothing was promoting timers.
type MissedPolicy string

const (
	// MissedFireOnce fires a single time and schedules the next
	// occurrence after now, skipping everything that was missed.
	MissedFireOnce MissedPolicy = "fire_once"

	// MissedFireEach fires once per missed occurrence, up to
	// Config.MaxMissedFires, before catching up with now.
	MissedFireEach MissedPolicy = "fire_each"
)

// Config holds configuration for the job engine.
type Config struct {
	// WorkerID identifies this node as a lock owner. Empty means a
	// generated worker ID.
	WorkerID string

	// Concurrency is the number of goroutines executing jobs.
	Concurrency int

	// QueueSize is how many leased jobs may wait for a free executor.
	// A full queue makes the acquirer revert leases instead of blocking.
	QueueSize int

	// AcquireInterval is how often the acquisition cycle polls for ready jobs.
	AcquireInterval time.Duration

	// AcquireBatchSize caps the number of jobs leased per cycle.
	AcquireBatchSize int

	// LeaseDuration is how long a lease is held before another worker
	// may reclaim the job. It must exceed the longest handler runtime.
	LeaseDuration time.Duration

	// TimerInterval is how often due timers are promoted.
	TimerInterval time.Duration

	// TimerBatchSize caps the number of timers promoted per tick.
	TimerBatchSize int

	// DefaultRetries is the retry budget assigned to new jobs that do
	// not specify one.
	DefaultRetries int

	// LastChanceVisible keeps a job whose retries reached zero in the
	// ready shape for one final attempt instead of dead-lettering it.
	LastChanceVisible bool

	// MissedPolicy and MaxMissedFires govern repeating timers that fell
	// behind.
	MissedPolicy   MissedPolicy
	MaxMissedFires int

	// HistoryEnabled turns on the history job pipeline.
	HistoryEnabled bool

	// HistoryInterval, HistoryConcurrency and HistoryRetries configure the
	// history pipeline independently of primary execution.
	HistoryInterval    time.Duration
	HistoryConcurrency int
	HistoryRetries     int

	// HistoryDeadLetter parks exhausted history jobs as dead letters
	// instead of dropping them.
	HistoryDeadLetter bool

	// ShutdownTimeout is the maximum time to wait for in-flight jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		QueueSize:          10,
		AcquireInterval:    1 * time.Second,
		AcquireBatchSize:   16,
		LeaseDuration:      5 * time.Minute,
		TimerInterval:      1 * time.Second,
		TimerBatchSize:     64,
		DefaultRetries:     3,
		MissedPolicy:       MissedFireOnce,
		MaxMissedFires:     10,
		HistoryEnabled:     true,
		HistoryInterval:    2 * time.Second,
		HistoryConcurrency: 2,
		HistoryRetries:     3,
		ShutdownTimeout:    30 * time.Second,
	}
}
