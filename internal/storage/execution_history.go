package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// HistoryFilter narrows history queries. Zero fields match everything.
type HistoryFilter struct {
	JobID   string
	Outcome model.ExecutionOutcome
}

// ExecutionHistory defines the interface for execution history storage
type ExecutionHistory interface {
	// Record stores a delivered execution event
	Record(ctx context.Context, event model.ExecutionEvent) error

	// Get retrieves an execution record by event ID
	Get(ctx context.Context, id string) (*model.ExecutionEvent, error)

	// List retrieves execution records, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.ExecutionEvent, error)

	// Count returns the number of records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records that started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteExecutionHistory implements ExecutionHistory using SQLite
type SQLiteExecutionHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionHistory opens (or creates) the history database at dbPath
func NewSQLiteExecutionHistory(logger *zap.Logger, dbPath string) (*SQLiteExecutionHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	history := &SQLiteExecutionHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := history.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return history, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteExecutionHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			handler TEXT NOT NULL,
			outcome TEXT NOT NULL,
			result TEXT,
			error TEXT,
			scheduled_at DATETIME NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			duration INTEGER,
			exhausted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_job_id ON execution_history(job_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_outcome ON execution_history(outcome);
		CREATE INDEX IF NOT EXISTS idx_execution_history_started_at ON execution_history(started_at);
	`)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	return nil
}

// Record implements ExecutionHistory.Record
func (s *SQLiteExecutionHistory) Record(ctx context.Context, event model.ExecutionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, job_id, job_name, handler, outcome, result, error,
			scheduled_at, started_at, finished_at, duration, exhausted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.JobID,
		event.JobName,
		event.Handler,
		string(event.Outcome),
		nullString(event.Result),
		sql.NullString{String: event.Error, Valid: event.Error != ""},
		event.ScheduledAt.UTC(),
		event.StartedAt.UTC(),
		event.FinishedAt.UTC(),
		int64(event.Duration),
		event.Exhausted,
	)
	if err != nil {
		return errors.Wrap(err, "failed to store execution history")
	}
	return nil
}

// Listener returns a function suitable for an event bus subscription that
// records every delivered event
func (s *SQLiteExecutionHistory) Listener() func(name string, event model.ExecutionEvent) {
	return func(name string, event model.ExecutionEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, event); err != nil {
			s.logger.Error("Failed to record execution",
				zap.String("event", name),
				zap.String("job_id", event.JobID),
				zap.Error(err))
		}
	}
}

const historyColumns = `id, job_id, job_name, handler, outcome, result, error,
	scheduled_at, started_at, finished_at, duration, exhausted`

// Get implements ExecutionHistory.Get
func (s *SQLiteExecutionHistory) Get(ctx context.Context, id string) (*model.ExecutionEvent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM execution_history WHERE id = ?", id)
	event, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to scan execution history")
	}
	return event, nil
}

// List implements ExecutionHistory.List
func (s *SQLiteExecutionHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.ExecutionEvent, error) {
	where, args := filter.clause()
	query := "SELECT " + historyColumns + " FROM execution_history" + where +
		" ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list execution history")
	}
	defer rows.Close()

	var events []*model.ExecutionEvent
	for rows.Next() {
		event, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution history")
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error during row iteration")
	}

	return events, nil
}

// Count implements ExecutionHistory.Count
func (s *SQLiteExecutionHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.clause()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count execution history")
	}
	return count, nil
}

// DeleteBefore implements ExecutionHistory.DeleteBefore
func (s *SQLiteExecutionHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete execution history")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get affected rows")
	}

	s.logger.Info("Deleted old execution history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// RunRetention deletes records older than retention every interval until
// ctx is cancelled
func (s *SQLiteExecutionHistory) RunRetention(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DeleteBefore(ctx, time.Now().Add(-retention)); err != nil {
				s.logger.Error("Failed to apply history retention", zap.Error(err))
			}
		}
	}
}

// Close closes the database connection
func (s *SQLiteExecutionHistory) Close() error {
	return s.db.Close()
}

func (f HistoryFilter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanExecution(row rowScanner) (*model.ExecutionEvent, error) {
	var event model.ExecutionEvent
	var outcome string
	var result, errorStr sql.NullString
	var durationNanos sql.NullInt64

	err := row.Scan(
		&event.ID,
		&event.JobID,
		&event.JobName,
		&event.Handler,
		&outcome,
		&result,
		&errorStr,
		&event.ScheduledAt,
		&event.StartedAt,
		&event.FinishedAt,
		&durationNanos,
		&event.Exhausted,
	)
	if err != nil {
		return nil, err
	}

	event.Outcome = model.ExecutionOutcome(outcome)
	if result.Valid && result.String != "" {
		event.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		event.Error = errorStr.String
	}
	if durationNanos.Valid {
		event.Duration = time.Duration(durationNanos.Int64)
	}
	return &event, nil
}
