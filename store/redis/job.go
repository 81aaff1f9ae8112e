package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// mgetBatch bounds the number of keys fetched by one MGET.
const mgetBatch = 200

// InsertJob persists a new job at revision 1.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	next := j.Clone()
	next.Revision = 1
	if next.CreatedAt.IsZero() {
		next.Entity = jobservice.NewEntity()
	}

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return jobservice.ErrJobAlreadyExists
		}
		data, err := encodeJob(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.writeJob(ctx, pipe, next, nil, data)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return jobservice.ErrJobAlreadyExists
	case errors.Is(err, jobservice.ErrJobAlreadyExists):
		return err
	case err != nil:
		return fmt.Errorf("jobservice/redis: insert job: %w", err)
	}

	j.Entity = next.Entity
	j.Revision = 1
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return getJob(ctx, s.client, jobKey(jobID.String()))
}

func getJob(ctx context.Context, c goredis.Cmdable, key string) (*job.Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, jobservice.ErrJobNotFound
		}
		return nil, fmt.Errorf("jobservice/redis: get job: %w", err)
	}
	return decodeJob(data)
}

// UpdateJob replaces the stored job if the revision matches.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedRevision int64) error {
	next, err := s.casWrite(ctx, j, expectedRevision, "", nil)
	if err != nil {
		return err
	}
	j.Revision = next.Revision
	j.Entity = next.Entity
	return nil
}

// MoveJob re-tags a job and inserts spawned jobs in one MULTI/EXEC.
func (s *Store) MoveJob(ctx context.Context, j *job.Job, from job.Shape, expectedRevision int64, spawned ...*job.Job) error {
	inserts := make([]*job.Job, len(spawned))
	for i, sp := range spawned {
		cp := sp.Clone()
		cp.Revision = 1
		if cp.CreatedAt.IsZero() {
			cp.Entity = jobservice.NewEntity()
		}
		inserts[i] = cp
	}

	next, err := s.casWrite(ctx, j, expectedRevision, from, inserts)
	if err != nil {
		return err
	}
	j.Revision = next.Revision
	j.Entity = next.Entity
	for i, sp := range spawned {
		sp.Revision = 1
		sp.Entity = inserts[i].Entity
	}
	return nil
}

// casWrite performs a revision-checked write of j under WATCH, guarding
// the exclusive scope and inserting spawned jobs in the same transaction.
func (s *Store) casWrite(ctx context.Context, j *job.Job, expectedRevision int64, from job.Shape, spawned []*job.Job) (*job.Job, error) {
	jID := j.ID.String()
	keys := []string{jobKey(jID)}
	if j.Exclusive && j.ScopeID != "" {
		keys = append(keys, scopeKey(j.ScopeID))
	}
	for _, sp := range spawned {
		keys = append(keys, jobKey(sp.ID.String()))
	}

	var next *job.Job
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := getJob(ctx, tx, keys[0])
		if err != nil {
			if errors.Is(err, jobservice.ErrJobNotFound) {
				return jobservice.ErrStaleState
			}
			return err
		}
		if cur.Revision != expectedRevision || (from != "" && cur.Shape != from) {
			return jobservice.ErrStaleState
		}
		for _, sp := range spawned {
			n, err := tx.Exists(ctx, jobKey(sp.ID.String())).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return jobservice.ErrJobAlreadyExists
			}
		}

		now := s.now()
		var lease scopeLease
		if len(keys) > 1 {
			if lease, err = readScopeLease(ctx, tx, j.ScopeID); err != nil {
				return err
			}
		}
		if j.HoldsExclusiveLease(now) && lease.liveFor(jID, now) {
			return jobservice.ErrScopeLocked
		}

		next = j.Clone()
		next.Revision = cur.Revision + 1
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = time.Now().UTC()
		data, err := encodeJob(next)
		if err != nil {
			return err
		}
		encoded := make([][]byte, len(spawned))
		for i, sp := range spawned {
			if encoded[i], err = encodeJob(sp); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.writeJob(ctx, pipe, next, cur, data)
			if lease.holder == jID && !next.HoldsExclusiveLease(now) {
				pipe.Del(ctx, scopeKey(j.ScopeID))
			}
			for i, sp := range spawned {
				s.writeJob(ctx, pipe, sp, nil, encoded[i])
			}
			return nil
		})
		return err
	}, keys...)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return nil, jobservice.ErrStaleState
	case errors.Is(err, jobservice.ErrStaleState),
		errors.Is(err, jobservice.ErrScopeLocked),
		errors.Is(err, jobservice.ErrJobAlreadyExists):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("jobservice/redis: write job: %w", err)
	}
	return next, nil
}

// writeJob queues the record, enumeration set, shape index and scope
// lease writes for next. prev is the stored version, nil on insert.
func (s *Store) writeJob(ctx context.Context, pipe goredis.Pipeliner, next, prev *job.Job, data []byte) {
	jID := next.ID.String()
	pipe.Set(ctx, jobKey(jID), data, 0)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if prev != nil && prev.Shape != next.Shape {
		pipe.ZRem(ctx, shapeKey(string(prev.Shape)), jID)
	}
	pipe.ZAdd(ctx, shapeKey(string(next.Shape)), goredis.Z{Score: dueScore(next), Member: jID})

	if next.HoldsExclusiveLease(s.now()) {
		exp := *next.LockExpirationTime
		key := scopeKey(next.ScopeID)
		pipe.Set(ctx, key, scopeLease{holder: jID, expires: exp}.String(), 0)
		pipe.PExpireAt(ctx, key, exp)
	}
}

func readScopeLease(ctx context.Context, c goredis.Cmdable, scopeID string) (scopeLease, error) {
	v, err := c.Get(ctx, scopeKey(scopeID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return scopeLease{}, nil
		}
		return scopeLease{}, err
	}
	return parseScopeLease(v), nil
}

// DeleteJob removes a job if the revision matches.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID, expectedRevision int64) error {
	jID := jobID.String()
	key := jobKey(jID)

	// The scope key must be watched too, so read the job once to learn it.
	peek, err := getJob(ctx, s.client, key)
	if err != nil {
		if errors.Is(err, jobservice.ErrJobNotFound) {
			return jobservice.ErrStaleState
		}
		return err
	}
	keys := []string{key}
	if peek.ScopeID != "" {
		keys = append(keys, scopeKey(peek.ScopeID))
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := getJob(ctx, tx, key)
		if err != nil {
			if errors.Is(err, jobservice.ErrJobNotFound) {
				return jobservice.ErrStaleState
			}
			return err
		}
		if cur.Revision != expectedRevision {
			return jobservice.ErrStaleState
		}
		var lease scopeLease
		if cur.ScopeID != "" {
			if lease, err = readScopeLease(ctx, tx, cur.ScopeID); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, jobIDsKey, jID)
			pipe.ZRem(ctx, shapeKey(string(cur.Shape)), jID)
			if lease.holder == jID {
				pipe.Del(ctx, scopeKey(cur.ScopeID))
			}
			return nil
		})
		return err
	}, keys...)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return jobservice.ErrStaleState
	case errors.Is(err, jobservice.ErrStaleState):
		return err
	case err != nil:
		return fmt.Errorf("jobservice/redis: delete job: %w", err)
	}
	return nil
}

// FindReadyJobs returns acquirable jobs of an executable shape, skipping
// exclusive jobs whose scope key holds a live lease.
func (s *Store) FindReadyJobs(ctx context.Context, shape job.Shape, now time.Time, limit int) ([]*job.Job, error) {
	candidates, err := s.scanShape(ctx, shape, now, func(j *job.Job) bool { return j.Acquirable(now) })
	if err != nil {
		return nil, err
	}

	scopes := make(map[string]scopeLease)
	var out []*job.Job
	for _, j := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Exclusive && j.ScopeID != "" {
			lease, seen := scopes[j.ScopeID]
			if !seen {
				if lease, err = readScopeLease(ctx, s.client, j.ScopeID); err != nil {
					return nil, fmt.Errorf("jobservice/redis: read scope lease: %w", err)
				}
				scopes[j.ScopeID] = lease
			}
			if lease.liveFor(j.ID.String(), now) {
				continue
			}
		}
		out = append(out, j)
	}
	return out, nil
}

// FindDueTimers returns timers whose due date has been reached.
func (s *Store) FindDueTimers(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	due, err := s.scanShape(ctx, job.ShapeTimer, now, func(j *job.Job) bool {
		return j.DueDate != nil && !j.DueDate.After(now)
	})
	if err != nil {
		return nil, err
	}
	return page(due, 0, limit), nil
}

// scanShape loads the jobs of a shape scored at or before now, in index
// order, keeping those accepted by keep.
func (s *Store) scanShape(ctx context.Context, shape job.Shape, now time.Time, keep func(*job.Job) bool) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, shapeKey(string(shape)), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("jobservice/redis: scan %s index: %w", shape, err)
	}

	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		// The index may briefly lag a shape change; trust the record.
		if j.Shape == shape && keep(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListJobs returns jobs matching q ordered by ID.
func (s *Store) ListJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	jobs, err := s.filter(ctx, q)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID.String() < jobs[k].ID.String() })
	return page(jobs, q.Offset, q.Limit), nil
}

// CountJobs returns the number of jobs matching q.
func (s *Store) CountJobs(ctx context.Context, q job.Query) (int64, error) {
	jobs, err := s.filter(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

func (s *Store) filter(ctx context.Context, q job.Query) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobservice/redis: list job ids: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if q.Matches(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// loadJobs fetches records by ID in batches, skipping IDs deleted since
// they were listed.
func (s *Store) loadJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatch {
		end := min(start+mgetBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, jID := range ids[start:end] {
			keys = append(keys, jobKey(jID))
		}

		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("jobservice/redis: load jobs: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			j, err := decodeJob([]byte(str))
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
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
