// Package memory provides an in-memory job store. It is safe for
// concurrent use and intended for tests, development and single-process
// deployments that accept losing jobs on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
	"github.com/xraph/jobservice/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps jobs in a map guarded by a single mutex, which makes every
// conditional write trivially atomic.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
	now  func() time.Time
}

// Option configures a memory Store.
type Option func(*Store)

// WithClock overrides the clock used to judge live leases in the
// exclusive-scope guard.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// InsertJob persists a new job at revision 1.
func (m *Store) InsertJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID.String()]; exists {
		return jobservice.ErrJobAlreadyExists
	}
	m.insertLocked(j)
	return nil
}

func (m *Store) insertLocked(j *job.Job) {
	j.Revision = 1
	if j.CreatedAt.IsZero() {
		j.Entity = jobservice.NewEntity()
	}
	m.jobs[j.ID.String()] = j.Clone()
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, jobservice.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob replaces the stored job if the revision matches.
func (m *Store) UpdateJob(_ context.Context, j *job.Job, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.checkLocked(j.ID, expectedRevision)
	if err != nil {
		return err
	}
	if m.scopeLockedLocked(j, m.now()) {
		return jobservice.ErrScopeLocked
	}
	m.writeLocked(j, cur)
	return nil
}

// DeleteJob removes a job if the revision matches.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.checkLocked(jobID, expectedRevision); err != nil {
		return err
	}
	delete(m.jobs, jobID.String())
	return nil
}

// MoveJob re-tags a job and inserts spawned jobs atomically.
func (m *Store) MoveJob(_ context.Context, j *job.Job, from job.Shape, expectedRevision int64, spawned ...*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.checkLocked(j.ID, expectedRevision)
	if err != nil {
		return err
	}
	if cur.Shape != from {
		return jobservice.ErrStaleState
	}
	for _, s := range spawned {
		if _, exists := m.jobs[s.ID.String()]; exists {
			return jobservice.ErrJobAlreadyExists
		}
	}

	m.writeLocked(j, cur)
	for _, s := range spawned {
		m.insertLocked(s)
	}
	return nil
}

// FindReadyJobs returns acquirable jobs of an executable shape.
func (m *Store) FindReadyJobs(_ context.Context, shape job.Shape, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	locked := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.HoldsExclusiveLease(now) {
			locked[j.ScopeID] = struct{}{}
		}
	}

	var out []*job.Job
	for _, j := range m.jobs {
		if j.Shape != shape || !j.Acquirable(now) {
			continue
		}
		if j.Exclusive && j.ScopeID != "" {
			if _, busy := locked[j.ScopeID]; busy {
				continue
			}
		}
		out = append(out, j)
	}
	sortByDue(out)
	return cloneAll(page(out, 0, limit)), nil
}

// FindDueTimers returns timers whose due date has been reached.
func (m *Store) FindDueTimers(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if j.Shape == job.ShapeTimer && j.DueDate != nil && !j.DueDate.After(now) {
			out = append(out, j)
		}
	}
	sortByDue(out)
	return cloneAll(page(out, 0, limit)), nil
}

// ListJobs returns jobs matching q ordered by ID.
func (m *Store) ListJobs(_ context.Context, q job.Query) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filterLocked(q)
	sort.Slice(out, func(i, k int) bool { return out[i].ID.String() < out[k].ID.String() })
	return cloneAll(page(out, q.Offset, q.Limit)), nil
}

// CountJobs returns the number of jobs matching q.
func (m *Store) CountJobs(_ context.Context, q job.Query) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.filterLocked(q))), nil
}

func (m *Store) filterLocked(q job.Query) []*job.Job {
	var out []*job.Job
	for _, j := range m.jobs {
		if q.Matches(j) {
			out = append(out, j)
		}
	}
	return out
}

func (m *Store) checkLocked(jobID id.JobID, expectedRevision int64) (*job.Job, error) {
	cur, ok := m.jobs[jobID.String()]
	if !ok || cur.Revision != expectedRevision {
		return nil, jobservice.ErrStaleState
	}
	return cur, nil
}

// scopeLockedLocked reports whether writing j would give its scope a
// second live exclusive lease.
func (m *Store) scopeLockedLocked(j *job.Job, now time.Time) bool {
	if !j.HoldsExclusiveLease(now) {
		return false
	}
	for key, other := range m.jobs {
		if key != j.ID.String() && other.ScopeID == j.ScopeID && other.HoldsExclusiveLease(now) {
			return true
		}
	}
	return false
}

func (m *Store) writeLocked(j, cur *job.Job) {
	j.Revision = cur.Revision + 1
	j.CreatedAt = cur.CreatedAt
	j.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID.String()] = j.Clone()
}

func sortByDue(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		di, dk := dueKey(jobs[i]), dueKey(jobs[k])
		if !di.Equal(dk) {
			return di.Before(dk)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

// dueKey orders jobs without a due date by creation time.
func dueKey(j *job.Job) time.Time {
	if j.DueDate != nil {
		return *j.DueDate
	}
	return j.CreatedAt
}

func page(jobs []*job.Job, offset, limit int) []*job.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

func cloneAll(jobs []*job.Job) []*job.Job {
	out := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out
}
