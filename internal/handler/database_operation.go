package handler

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// DBOperationType defines the type of database operation
type DBOperationType string

const (
	DBOperationQuery DBOperationType = "query"
	DBOperationExec  DBOperationType = "exec"
)

// maxQueryRows caps the rows a query action returns in its result
const maxQueryRows = 1000

// DBOperationPayload represents the payload for database operation actions
type DBOperationPayload struct {
	Operation DBOperationType `json:"operation"`
	Query     string          `json:"query"`
	Args      []interface{}   `json:"args"`
}

// DatabaseOperationHandler runs SQL statements against a configured database
type DatabaseOperationHandler struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewDatabaseOperationHandler creates a new database operation handler
func NewDatabaseOperationHandler(logger *zap.Logger, db *sql.DB) *DatabaseOperationHandler {
	return &DatabaseOperationHandler{
		logger: logger.Named("database-operation"),
		db:     db,
	}
}

// Execute performs the database operation
func (h *DatabaseOperationHandler) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload DBOperationPayload
	if err := decodeArgs(job, &payload); err != nil {
		return nil, err
	}

	h.logger.Info("Executing database operation",
		zap.String("job_id", job.ID),
		zap.String("operation", string(payload.Operation)),
		zap.String("query", payload.Query))

	var result interface{}
	var err error

	switch payload.Operation {
	case DBOperationQuery:
		result, err = h.executeQuery(ctx, payload.Query, payload.Args...)
	case DBOperationExec:
		result, err = h.executeExec(ctx, payload.Query, payload.Args...)
	default:
		return nil, errors.Newf("unsupported operation: %s", payload.Operation)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(result)
}

func (h *DatabaseOperationHandler) executeQuery(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get columns")
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		for i := range values {
			values[i] = new(interface{})
		}

		if err := rows.Scan(values...); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}

		row := make(map[string]interface{})
		for i, column := range columns {
			v := *(values[i].(*interface{}))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[column] = v
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error during row iteration")
	}

	return results, nil
}

func (h *DatabaseOperationHandler) executeExec(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	result, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute statement")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get affected rows")
	}

	return map[string]int64{
		"affected_rows": affected,
	}, nil
}
