package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// DBTX is the subset of pgx used by PostgresJobStore. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const postgresJobColumns = `id, name, handler, args, trigger_spec, max_instances, paused,
	next_fire, last_fire, last_result, version, created_at, updated_at`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS scheduler_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		handler TEXT NOT NULL,
		args JSONB,
		trigger_spec JSONB NOT NULL,
		max_instances INTEGER NOT NULL DEFAULT 1,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		next_fire TIMESTAMPTZ,
		last_fire TIMESTAMPTZ,
		last_result TEXT NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduler_jobs_next_fire ON scheduler_jobs(next_fire) WHERE NOT paused`

// PostgresJobStore implements JobStore on PostgreSQL through pgx
type PostgresJobStore struct {
	logger *zap.Logger
	db     DBTX
	pool   *pgxpool.Pool
	now    func() time.Time
}

// OpenPostgresJobStore connects a pool to databaseURL and prepares the schema
func OpenPostgresJobStore(ctx context.Context, logger *zap.Logger, databaseURL string, maxConns int32) (*PostgresJobStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database URL")
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnIdleTime = 10 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, unavailable(err, "failed to create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable(err, "failed to ping database")
	}

	store, err := NewPostgresJobStore(ctx, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.pool = pool
	return store, nil
}

// NewPostgresJobStore creates a store on an existing connection and
// creates the jobs table if needed
func NewPostgresJobStore(ctx context.Context, logger *zap.Logger, db DBTX) (*PostgresJobStore, error) {
	store := &PostgresJobStore{
		logger: logger.Named("postgres-store"),
		db:     db,
		now:    time.Now,
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, unavailable(err, "failed to initialize database")
	}
	return store, nil
}

// Add implements JobStore.Add
func (s *PostgresJobStore) Add(ctx context.Context, job *model.Job) error {
	spec, err := json.Marshal(job.Trigger)
	if err != nil {
		return errors.Wrap(err, "failed to marshal trigger")
	}
	prepareNew(job, s.now())

	var args []byte
	if len(job.Action.Args) > 0 {
		args = job.Action.Args
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO scheduler_jobs (`+postgresJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		job.ID,
		job.Name,
		job.Action.Handler,
		args,
		spec,
		job.MaxInstances,
		job.Paused,
		job.NextFire,
		job.LastFire,
		string(job.LastResult),
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return unavailable(err, "failed to insert job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrDuplicateID, "job %s", job.ID)
	}
	return nil
}

// Remove implements JobStore.Remove
func (s *PostgresJobStore) Remove(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM scheduler_jobs WHERE id = $1", id)
	if err != nil {
		return unavailable(err, "failed to delete job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

// Get implements JobStore.Get
func (s *PostgresJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRow(ctx, "SELECT "+postgresJobColumns+" FROM scheduler_jobs WHERE id = $1", id)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, unavailable(err, "failed to scan job")
	}
	return job, nil
}

// List implements JobStore.List
func (s *PostgresJobStore) List(ctx context.Context) ([]*model.Job, error) {
	return s.query(ctx, "SELECT "+postgresJobColumns+" FROM scheduler_jobs ORDER BY id")
}

// Due implements JobStore.Due
func (s *PostgresJobStore) Due(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	if limit < 0 {
		limit = 0
	}
	return s.query(ctx, `
		SELECT `+postgresJobColumns+` FROM scheduler_jobs
		WHERE NOT paused AND next_fire IS NOT NULL AND next_fire <= $1
		ORDER BY next_fire ASC, id ASC
		LIMIT NULLIF($2::int, 0)`,
		now, limit)
}

// Advance implements JobStore.Advance
func (s *PostgresJobStore) Advance(ctx context.Context, id string, version int64, fired time.Time, next *time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduler_jobs SET
			next_fire = $1,
			last_fire = $2,
			version = version + 1,
			updated_at = $3
		WHERE id = $4 AND version = $5`,
		next, fired, s.now(), id, version)
	if err != nil {
		return unavailable(err, "failed to advance job")
	}
	return s.expectVersioned(ctx, tag, id, version)
}

// RemoveExhausted implements JobStore.RemoveExhausted
func (s *PostgresJobStore) RemoveExhausted(ctx context.Context, id string, version int64) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM scheduler_jobs WHERE id = $1 AND version = $2 AND next_fire IS NULL",
		id, version)
	if err != nil {
		return unavailable(err, "failed to delete exhausted job")
	}
	return s.expectVersioned(ctx, tag, id, version)
}

// expectVersioned checks that a statement guarded by a version touched one
// row, telling a missing job apart from a changed one
func (s *PostgresJobStore) expectVersioned(ctx context.Context, tag pgconn.CommandTag, id string, version int64) error {
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM scheduler_jobs WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return unavailable(err, "failed to check job")
	}
	if !exists {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return errors.Wrapf(ErrVersionConflict, "job %s claimed at version %d", id, version)
}

// RecordResult implements JobStore.RecordResult
func (s *PostgresJobStore) RecordResult(ctx context.Context, id string, result model.JobResult) error {
	return s.update(ctx, id, "last_result = $3", string(result))
}

// SetPaused implements JobStore.SetPaused
func (s *PostgresJobStore) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.update(ctx, id, "paused = $3, version = version + 1", paused)
}

// Reschedule implements JobStore.Reschedule
func (s *PostgresJobStore) Reschedule(ctx context.Context, id string, spec model.TriggerSpec, next time.Time) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal trigger")
	}
	return s.update(ctx, id, "trigger_spec = $3, next_fire = $4, version = version + 1", data, next)
}

// Close releases the pool when the store opened it
func (s *PostgresJobStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// update runs a single-row UPDATE. $1 is the job ID and $2 the update time;
// set may reference further parameters from $3 on.
func (s *PostgresJobStore) update(ctx context.Context, id, set string, args ...interface{}) error {
	args = append([]interface{}{id, s.now()}, args...)
	tag, err := s.db.Exec(ctx, "UPDATE scheduler_jobs SET "+set+", updated_at = $2 WHERE id = $1", args...)
	if err != nil {
		return unavailable(err, "failed to update job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func (s *PostgresJobStore) query(ctx context.Context, query string, args ...interface{}) ([]*model.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, unavailable(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "error during row iteration")
	}
	return jobs, nil
}

func scanPostgresJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var args, spec []byte
	var lastResult string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Action.Handler,
		&args,
		&spec,
		&job.MaxInstances,
		&job.Paused,
		&job.NextFire,
		&job.LastFire,
		&lastResult,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		job.Action.Args = json.RawMessage(args)
	}
	if err := json.Unmarshal(spec, &job.Trigger); err != nil {
		return nil, errors.Wrapf(err, "job %s has corrupt trigger", job.ID)
	}
	job.LastResult = model.JobResult(lastResult)
	return &job, nil
}
