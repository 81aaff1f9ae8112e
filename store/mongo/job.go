package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// InsertJob persists a new job at revision 1. A job inserted with a live
// exclusive lease also takes its scope lock.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	now := s.now()
	cp := j.Clone()
	var err error
	if j.HoldsExclusiveLease(now) {
		err = s.inTx(ctx, func(ctx context.Context) error {
			if err := s.lockScope(ctx, cp); err != nil {
				return err
			}
			return s.insert(ctx, cp)
		})
	} else {
		err = s.insert(ctx, cp)
	}
	if err != nil {
		return err
	}
	j.Entity = cp.Entity
	j.Revision = 1
	return nil
}

func (s *Store) insert(ctx context.Context, j *job.Job) error {
	if j.CreatedAt.IsZero() {
		j.Entity = jobservice.NewEntity()
	}
	j.Revision = 1

	_, err := s.db.Collection(colJobs).InsertOne(ctx, toJobModel(j))
	if err != nil {
		if isDuplicateKey(err) {
			return jobservice.ErrJobAlreadyExists
		}
		return fmt.Errorf("jobservice/mongo: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, jobservice.ErrJobNotFound
		}
		return nil, fmt.Errorf("jobservice/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// UpdateJob replaces the stored job if the revision matches.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedRevision int64) error {
	return s.write(ctx, j, expectedRevision, "", nil)
}

// MoveJob re-tags a job and inserts spawned jobs in one transaction.
func (s *Store) MoveJob(ctx context.Context, j *job.Job, from job.Shape, expectedRevision int64, spawned ...*job.Job) error {
	return s.write(ctx, j, expectedRevision, from, spawned)
}

// write replaces j under a revision (and optional source shape) check,
// maintains its scope lock and inserts spawned jobs, all in one
// transaction. j and spawned are updated only after the commit.
func (s *Store) write(ctx context.Context, j *job.Job, expectedRevision int64, from job.Shape, spawned []*job.Job) error {
	now := s.now()
	jID := j.ID.String()

	var (
		next    *job.Job
		inserts []*job.Job
	)
	err := s.inTx(ctx, func(ctx context.Context) error {
		col := s.db.Collection(colJobs)
		filter := bson.M{"_id": jID, "revision": expectedRevision}
		if from != "" {
			filter["shape"] = string(from)
		}

		var prev jobModel
		if err := col.FindOne(ctx, filter).Decode(&prev); err != nil {
			if isNoDocuments(err) {
				return jobservice.ErrStaleState
			}
			return fmt.Errorf("jobservice/mongo: read job: %w", err)
		}

		next = j.Clone()
		next.Revision = expectedRevision + 1
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = time.Now().UTC()

		if next.HoldsExclusiveLease(now) {
			if err := s.lockScope(ctx, next); err != nil {
				return err
			}
		} else if next.Exclusive && next.ScopeID != "" {
			if err := s.unlockScope(ctx, next); err != nil {
				return err
			}
		}

		res, err := col.ReplaceOne(ctx, filter, toJobModel(next))
		if err != nil {
			return fmt.Errorf("jobservice/mongo: replace job: %w", err)
		}
		if res.MatchedCount == 0 {
			return jobservice.ErrStaleState
		}

		inserts = make([]*job.Job, len(spawned))
		for i, sp := range spawned {
			inserts[i] = sp.Clone()
			if err := s.insert(ctx, inserts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.Revision = next.Revision
	j.Entity = next.Entity
	for i, sp := range spawned {
		sp.Revision = inserts[i].Revision
		sp.Entity = inserts[i].Entity
	}
	return nil
}

// lockScope upserts the scope lock for j. The upsert only matches a lock
// j already holds or one that has expired; a live lock of a sibling makes
// the insert collide on _id.
func (s *Store) lockScope(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	filter := bson.M{
		"_id": j.ScopeID,
		"$or": bson.A{
			bson.M{"holder": jID},
			bson.M{"expires": bson.M{"$lte": s.now()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"holder":  jID,
		"expires": *j.LockExpirationTime,
	}}

	_, err := s.db.Collection(colScopeLocks).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if isDuplicateKey(err) {
			return jobservice.ErrScopeLocked
		}
		return fmt.Errorf("jobservice/mongo: lock scope: %w", err)
	}
	return nil
}

func (s *Store) unlockScope(ctx context.Context, j *job.Job) error {
	_, err := s.db.Collection(colScopeLocks).DeleteOne(ctx, bson.M{"_id": j.ScopeID, "holder": j.ID.String()})
	if err != nil {
		return fmt.Errorf("jobservice/mongo: unlock scope: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, retried by the driver on transient
// errors such as write conflicts.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("jobservice/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DeleteJob removes a job if the revision matches, releasing its scope
// lock when it holds one.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID, expectedRevision int64) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		var m jobModel
		err := s.db.Collection(colJobs).FindOneAndDelete(ctx, bson.M{
			"_id":      jobID.String(),
			"revision": expectedRevision,
		}).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				return jobservice.ErrStaleState
			}
			return fmt.Errorf("jobservice/mongo: delete job: %w", err)
		}
		if m.Exclusive && m.ScopeID != "" {
			_, err = s.db.Collection(colScopeLocks).DeleteOne(ctx, bson.M{"_id": m.ScopeID, "holder": m.ID})
			if err != nil {
				return fmt.Errorf("jobservice/mongo: unlock scope: %w", err)
			}
		}
		return nil
	})
}

// FindReadyJobs returns acquirable jobs of an executable shape, skipping
// exclusive jobs whose scope holds a live exclusive lease.
func (s *Store) FindReadyJobs(ctx context.Context, shape job.Shape, now time.Time, limit int) ([]*job.Job, error) {
	col := s.db.Collection(colJobs)

	var locked []string
	err := col.Distinct(ctx, "scope_id", bson.M{
		"exclusive":            true,
		"scope_id":             bson.M{"$ne": ""},
		"lock_owner":           bson.M{"$ne": ""},
		"lock_expiration_time": bson.M{"$gt": now},
	}).Decode(&locked)
	if err != nil {
		return nil, fmt.Errorf("jobservice/mongo: locked scopes: %w", err)
	}

	match := bson.M{
		"shape": string(shape),
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"lock_owner": ""},
				bson.M{"lock_expiration_time": nil},
				bson.M{"lock_expiration_time": bson.M{"$lte": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"due_date": nil},
				bson.M{"due_date": bson.M{"$lte": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"retries": bson.M{"$gt": 0}},
				bson.M{"last_chance": true},
			}},
		},
	}
	if len(locked) > 0 {
		match["$nor"] = bson.A{bson.M{"exclusive": true, "scope_id": bson.M{"$in": locked}}}
	}

	pipeline := mongod.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{"sort_key": bson.M{"$ifNull": bson.A{"$due_date", "$created_at"}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "sort_key", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}

	cursor, err := col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("jobservice/mongo: find ready jobs: %w", err)
	}
	return collectJobs(ctx, cursor)
}

// FindDueTimers returns timers whose due date has been reached.
func (s *Store) FindDueTimers(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "due_date", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.db.Collection(colJobs).Find(ctx, bson.M{
		"shape":    string(job.ShapeTimer),
		"due_date": bson.M{"$ne": nil, "$lte": now},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("jobservice/mongo: find due timers: %w", err)
	}
	return collectJobs(ctx, cursor)
}

// ListJobs returns jobs matching q ordered by ID.
func (s *Store) ListJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}

	cursor, err := s.db.Collection(colJobs).Find(ctx, queryFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("jobservice/mongo: list jobs: %w", err)
	}
	return collectJobs(ctx, cursor)
}

// CountJobs returns the number of jobs matching q.
func (s *Store) CountJobs(ctx context.Context, q job.Query) (int64, error) {
	n, err := s.db.Collection(colJobs).CountDocuments(ctx, queryFilter(q))
	if err != nil {
		return 0, fmt.Errorf("jobservice/mongo: count jobs: %w", err)
	}
	return n, nil
}

func queryFilter(q job.Query) bson.M {
	filter := bson.M{}
	set := func(field, value string) {
		if value != "" {
			filter[field] = value
		}
	}
	set("shape", string(q.Shape))
	set("handler_type", q.HandlerType)
	set("scope_type", q.ScopeType)
	set("scope_id", q.ScopeID)
	set("sub_scope_id", q.SubScopeID)
	set("execution_id", q.ExecutionID)
	set("deployment_id", q.DeploymentID)
	set("tenant_id", q.TenantID)
	set("correlation_id", q.CorrelationID)
	return filter
}

func collectJobs(ctx context.Context, cursor *mongod.Cursor) ([]*job.Job, error) {
	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("jobservice/mongo: decode jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
