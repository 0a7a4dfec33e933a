package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

const sqliteJobColumns = `id, name, handler, args, trigger_spec, max_instances, paused,
	next_fire, last_fire, last_result, version, created_at, updated_at`

// SQLiteJobStore implements JobStore using SQLite. Fire times are stored as
// unix nanoseconds so the next_fire index orders exactly.
type SQLiteJobStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteJobStore opens (or creates) a SQLite job store at dbPath
func NewSQLiteJobStore(logger *zap.Logger, dbPath string, maxOpenConns int) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)

	store, err := NewSQLiteJobStoreFromDB(logger, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteJobStoreFromDB wraps an already opened database handle
func NewSQLiteJobStoreFromDB(logger *zap.Logger, db *sql.DB) (*SQLiteJobStore, error) {
	store := &SQLiteJobStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
		now:    time.Now,
	}
	if err := store.initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteJobStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			handler TEXT NOT NULL,
			args TEXT,
			trigger_spec TEXT NOT NULL,
			max_instances INTEGER NOT NULL DEFAULT 1,
			paused INTEGER NOT NULL DEFAULT 0,
			next_fire INTEGER,
			last_fire INTEGER,
			last_result TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_next_fire ON jobs(next_fire);
	`)
	if err != nil {
		return unavailable(err, "failed to initialize database")
	}
	return nil
}

// Add implements JobStore.Add
func (s *SQLiteJobStore) Add(ctx context.Context, job *model.Job) error {
	spec, err := json.Marshal(job.Trigger)
	if err != nil {
		return errors.Wrap(err, "failed to marshal trigger")
	}
	prepareNew(job, s.now())

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+sqliteJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID,
		job.Name,
		job.Action.Handler,
		nullString(job.Action.Args),
		string(spec),
		job.MaxInstances,
		job.Paused,
		nullNanos(job.NextFire),
		nullNanos(job.LastFire),
		string(job.LastResult),
		job.Version,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return unavailable(err, "failed to insert job")
	}
	return expectOne(result, errors.Wrapf(ErrDuplicateID, "job %s", job.ID))
}

// Remove implements JobStore.Remove
func (s *SQLiteJobStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return unavailable(err, "failed to delete job")
	}
	return expectOne(result, errors.Wrapf(ErrNotFound, "job %s", id))
}

// Get implements JobStore.Get
func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteJobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, unavailable(err, "failed to scan job")
	}
	return job, nil
}

// List implements JobStore.List
func (s *SQLiteJobStore) List(ctx context.Context) ([]*model.Job, error) {
	return s.query(ctx, "SELECT "+sqliteJobColumns+" FROM jobs ORDER BY id")
}

// Due implements JobStore.Due
func (s *SQLiteJobStore) Due(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE paused = 0 AND next_fire IS NOT NULL AND next_fire <= ?
		ORDER BY next_fire ASC, id ASC
		LIMIT ?`,
		now.UnixNano(), limit)
}

// Advance implements JobStore.Advance
func (s *SQLiteJobStore) Advance(ctx context.Context, id string, version int64, fired time.Time, next *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			next_fire = ?,
			last_fire = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		nullNanos(next),
		fired.UnixNano(),
		s.now().UTC(),
		id,
		version,
	)
	if err != nil {
		return unavailable(err, "failed to advance job")
	}

	return s.expectVersioned(ctx, result, id, version)
}

// RemoveExhausted implements JobStore.RemoveExhausted
func (s *SQLiteJobStore) RemoveExhausted(ctx context.Context, id string, version int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE id = ? AND version = ? AND next_fire IS NULL",
		id, version)
	if err != nil {
		return unavailable(err, "failed to delete exhausted job")
	}
	return s.expectVersioned(ctx, result, id, version)
}

// expectVersioned checks that a statement guarded by a version touched one
// row, telling a missing job apart from a changed one
func (s *SQLiteJobStore) expectVersioned(ctx context.Context, result sql.Result, id string, version int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable(err, "failed to get affected rows")
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return unavailable(err, "failed to check job")
	}
	if exists == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return errors.Wrapf(ErrVersionConflict, "job %s claimed at version %d", id, version)
}

// RecordResult implements JobStore.RecordResult
func (s *SQLiteJobStore) RecordResult(ctx context.Context, id string, result model.JobResult) error {
	return s.update(ctx, id, "last_result = ?", string(result))
}

// SetPaused implements JobStore.SetPaused
func (s *SQLiteJobStore) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.update(ctx, id, "paused = ?, version = version + 1", paused)
}

// Reschedule implements JobStore.Reschedule
func (s *SQLiteJobStore) Reschedule(ctx context.Context, id string, spec model.TriggerSpec, next time.Time) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal trigger")
	}
	return s.update(ctx, id, "trigger_spec = ?, next_fire = ?, version = version + 1", string(data), next.UnixNano())
}

// Close closes the database connection
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteJobStore) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, s.now().UTC(), id)
	result, err := s.db.ExecContext(ctx, "UPDATE jobs SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return unavailable(err, "failed to update job")
	}
	return expectOne(result, errors.Wrapf(ErrNotFound, "job %s", id))
}

func (s *SQLiteJobStore) query(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var args sql.NullString
	var spec, lastResult string
	var nextFire, lastFire sql.NullInt64

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Action.Handler,
		&args,
		&spec,
		&job.MaxInstances,
		&job.Paused,
		&nextFire,
		&lastFire,
		&lastResult,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if args.Valid && args.String != "" {
		job.Action.Args = json.RawMessage(args.String)
	}
	if err := json.Unmarshal([]byte(spec), &job.Trigger); err != nil {
		return nil, errors.Wrapf(err, "job %s has corrupt trigger", job.ID)
	}
	job.NextFire = fromNanos(nextFire)
	job.LastFire = fromNanos(lastFire)
	job.LastResult = model.JobResult(lastResult)
	return &job, nil
}

func expectOne(result sql.Result, notAffected error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable(err, "failed to get affected rows")
	}
	if affected == 0 {
		return notAffected
	}
	return nil
}

func nullString(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
