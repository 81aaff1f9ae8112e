package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/id"
	"github.com/xraph/jobservice/job"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// dataColumns are written by insert and update, in jobArgs order.
var dataColumns = []string{
	"id", "shape", "handler_type", "handler_configuration",
	"due_date", "retries", "attempts", "last_chance",
	"exception_message", "exception_stacktrace", "correlation_id", "exclusive",
	"scope_type", "scope_id", "sub_scope_id", "execution_id",
	"deployment_id", "element_id", "tenant_id",
	"lock_owner", "lock_expiration_time",
	"repeat_expr", "max_iterations", "iteration", "end_date", "origin_shape",
}

var (
	selectColumns = strings.Join(dataColumns, ", ") + ", revision, created_at, updated_at"
	insertSQL     = buildInsert()
	updateSQL     = buildUpdate()
)

func buildInsert() string {
	cols := append(append([]string{}, dataColumns...), "revision", "created_at", "updated_at")
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return "INSERT INTO jobservice_jobs (" + strings.Join(cols, ", ") +
		") VALUES (" + strings.Join(ph, ", ") + ")"
}

// buildUpdate renders an update whose revision and source-shape checks
// are appended by the caller. $1 is the id; the next free placeholder is
// len(dataColumns)+1 for updated_at.
func buildUpdate() string {
	sets := make([]string, 0, len(dataColumns)+2)
	for i, col := range dataColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	sets = append(sets,
		"revision = revision + 1",
		fmt.Sprintf("updated_at = $%d", len(dataColumns)+1),
	)
	return "UPDATE jobservice_jobs SET " + strings.Join(sets, ", ") +
		fmt.Sprintf(" WHERE id = $1 AND revision = $%d", len(dataColumns)+2)
}

func jobArgs(j *job.Job) []any {
	return []any{
		j.ID.String(), string(j.Shape), j.HandlerType, j.HandlerConfiguration,
		j.DueDate, j.Retries, j.Attempts, j.LastChance,
		j.ExceptionMessage, j.ExceptionStacktrace, j.CorrelationID, j.Exclusive,
		j.ScopeType, j.ScopeID, j.SubScopeID, j.ExecutionID,
		j.DeploymentID, j.ElementID, j.TenantID,
		j.LockOwner, j.LockExpirationTime,
		j.Repeat, j.MaxIterations, j.Iteration, j.EndDate, string(j.OriginShape),
	}
}

// InsertJob persists a new job at revision 1.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	return insertJob(ctx, s.pool, j)
}

func insertJob(ctx context.Context, q querier, j *job.Job) error {
	entity := j.Entity
	if entity.CreatedAt.IsZero() {
		entity = jobservice.NewEntity()
	}
	args := append(jobArgs(j), int64(1), entity.CreatedAt, entity.UpdatedAt)
	if _, err := q.Exec(ctx, insertSQL, args...); err != nil {
		if isDuplicateKey(err) {
			return jobservice.ErrJobAlreadyExists
		}
		return fmt.Errorf("jobservice/postgres: insert job: %w", err)
	}
	j.Entity = entity
	j.Revision = 1
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM jobservice_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jobservice.ErrJobNotFound
		}
		return nil, fmt.Errorf("jobservice/postgres: get job: %w", err)
	}
	return j, nil
}

// written holds the store-assigned columns returned by an update.
type written struct {
	revision  int64
	createdAt time.Time
	updatedAt time.Time
}

func (w written) apply(j *job.Job) {
	j.Revision = w.revision
	j.CreatedAt = w.createdAt
	j.UpdatedAt = w.updatedAt
}

// updateJob runs the conditional update. A non-empty from also requires
// the stored shape to match.
func updateJob(ctx context.Context, q querier, j *job.Job, expectedRevision int64, from job.Shape) (written, error) {
	query := updateSQL
	args := append(jobArgs(j), time.Now().UTC(), expectedRevision)
	if from != "" {
		query += fmt.Sprintf(" AND shape = $%d", len(args)+1)
		args = append(args, string(from))
	}
	query += " RETURNING revision, created_at, updated_at"

	var w written
	err := q.QueryRow(ctx, query, args...).Scan(&w.revision, &w.createdAt, &w.updatedAt)
	if err != nil {
		if isNoRows(err) {
			return w, jobservice.ErrStaleState
		}
		return w, fmt.Errorf("jobservice/postgres: update job: %w", err)
	}
	return w, nil
}

// UpdateJob replaces the stored job if the revision matches. Writing a
// live exclusive lease takes an advisory lock on the scope so that two
// workers cannot both pass the sibling check.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedRevision int64) error {
	now := s.now()
	var w written
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if j.HoldsExclusiveLease(now) {
			if err := checkScope(ctx, tx, j, now); err != nil {
				return err
			}
		}
		var err error
		w, err = updateJob(ctx, tx, j, expectedRevision, "")
		return err
	})
	if err != nil {
		return err
	}
	w.apply(j)
	return nil
}

func checkScope(ctx context.Context, tx pgx.Tx, j *job.Job, now time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, j.ScopeID); err != nil {
		return fmt.Errorf("jobservice/postgres: lock scope: %w", err)
	}

	var locked bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM jobservice_jobs
			WHERE scope_id = $1 AND id <> $2 AND exclusive
			  AND lock_owner <> '' AND lock_expiration_time > $3
		)`,
		j.ScopeID, j.ID.String(), now,
	).Scan(&locked)
	if err != nil {
		return fmt.Errorf("jobservice/postgres: check scope: %w", err)
	}
	if locked {
		return jobservice.ErrScopeLocked
	}
	return nil
}

// DeleteJob removes a job if the revision matches.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID, expectedRevision int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobservice_jobs WHERE id = $1 AND revision = $2`,
		jobID.String(), expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("jobservice/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobservice.ErrStaleState
	}
	return nil
}

// MoveJob re-tags a job and inserts spawned jobs in one transaction.
func (s *Store) MoveJob(ctx context.Context, j *job.Job, from job.Shape, expectedRevision int64, spawned ...*job.Job) error {
	var w written
	inserted := make([]*job.Job, len(spawned))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if w, err = updateJob(ctx, tx, j, expectedRevision, from); err != nil {
			return err
		}
		for i, sp := range spawned {
			cp := sp.Clone()
			if err := insertJob(ctx, tx, cp); err != nil {
				return err
			}
			inserted[i] = cp
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.apply(j)
	for i, sp := range spawned {
		sp.Entity = inserted[i].Entity
		sp.Revision = inserted[i].Revision
	}
	return nil
}

// FindReadyJobs returns acquirable jobs of an executable shape, skipping
// exclusive jobs whose scope holds a live exclusive lease.
func (s *Store) FindReadyJobs(ctx context.Context, shape job.Shape, now time.Time, limit int) ([]*job.Job, error) {
	query := `
		SELECT ` + selectColumns + ` FROM jobservice_jobs j
		WHERE shape = $1
		  AND (lock_owner = '' OR lock_expiration_time IS NULL OR lock_expiration_time <= $2)
		  AND (due_date IS NULL OR due_date <= $2)
		  AND (retries > 0 OR last_chance)
		  AND NOT (exclusive AND scope_id <> '' AND EXISTS (
			SELECT 1 FROM jobservice_jobs o
			WHERE o.scope_id = j.scope_id AND o.exclusive
			  AND o.lock_owner <> '' AND o.lock_expiration_time > $2
		  ))
		ORDER BY COALESCE(due_date, created_at) ASC, id ASC`
	args := []any{string(shape), now}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobservice/postgres: find ready jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// FindDueTimers returns timers whose due date has been reached.
func (s *Store) FindDueTimers(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	query := `
		SELECT ` + selectColumns + ` FROM jobservice_jobs
		WHERE shape = $1 AND due_date IS NOT NULL AND due_date <= $2
		ORDER BY due_date ASC, id ASC`
	args := []any{string(job.ShapeTimer), now}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobservice/postgres: find due timers: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobs returns jobs matching q ordered by ID.
func (s *Store) ListJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	where, args := whereClause(q)
	query := `SELECT ` + selectColumns + ` FROM jobservice_jobs` + where + ` ORDER BY id ASC`
	argIdx := len(args) + 1

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
		argIdx++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobservice/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching q.
func (s *Store) CountJobs(ctx context.Context, q job.Query) (int64, error) {
	where, args := whereClause(q)

	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobservice_jobs`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("jobservice/postgres: count jobs: %w", err)
	}
	return count, nil
}

func whereClause(q job.Query) (string, []any) {
	filters := []struct {
		col, val string
	}{
		{"shape", string(q.Shape)},
		{"handler_type", q.HandlerType},
		{"scope_type", q.ScopeType},
		{"scope_id", q.ScopeID},
		{"sub_scope_id", q.SubScopeID},
		{"execution_id", q.ExecutionID},
		{"deployment_id", q.DeploymentID},
		{"tenant_id", q.TenantID},
		{"correlation_id", q.CorrelationID},
	}

	var (
		conds []string
		args  []any
	)
	for _, f := range filters {
		if f.val == "" {
			continue
		}
		args = append(args, f.val)
		conds = append(conds, fmt.Sprintf("%s = $%d", f.col, len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanJob scans a single job row in selectColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		shape       string
		originShape string
	)
	err := row.Scan(
		&idStr, &shape, &j.HandlerType, &j.HandlerConfiguration,
		&j.DueDate, &j.Retries, &j.Attempts, &j.LastChance,
		&j.ExceptionMessage, &j.ExceptionStacktrace, &j.CorrelationID, &j.Exclusive,
		&j.ScopeType, &j.ScopeID, &j.SubScopeID, &j.ExecutionID,
		&j.DeploymentID, &j.ElementID, &j.TenantID,
		&j.LockOwner, &j.LockExpirationTime,
		&j.Repeat, &j.MaxIterations, &j.Iteration, &j.EndDate, &originShape,
		&j.Revision, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jobservice/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID
	j.Shape = job.Shape(shape)
	j.OriginShape = job.Shape(originShape)

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobservice/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobservice/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
