// Package handler provides the built-in actions jobs can run.
package handler

import (
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/model"
)

// Built-in action names
const (
	ActionShellCommand      = "shell_command"
	ActionHTTPRequest       = "http_request"
	ActionFileOperation     = "file_operation"
	ActionDatabaseOperation = "database_operation"
	ActionNATSPublish       = "nats_publish"
	ActionLog               = "log"
)

// Registrar is implemented by the executor
type Registrar interface {
	RegisterHandler(name string, handler executor.ActionHandler)
}

// Dependencies holds the optional resources some actions need. Actions
// whose dependency is missing are not registered.
type Dependencies struct {
	FileBaseDir string
	DB          *sql.DB
	NATS        *nats.Conn
}

// RegisterBuiltins registers every built-in action that can be served with deps
func RegisterBuiltins(r Registrar, logger *zap.Logger, deps Dependencies) []string {
	names := []string{ActionShellCommand, ActionHTTPRequest, ActionLog}
	r.RegisterHandler(ActionShellCommand, NewShellCommandHandler(logger))
	r.RegisterHandler(ActionHTTPRequest, NewHTTPRequestHandler(logger))
	r.RegisterHandler(ActionLog, NewLogHandler(logger))

	if deps.FileBaseDir != "" {
		r.RegisterHandler(ActionFileOperation, NewFileOperationHandler(logger, deps.FileBaseDir))
		names = append(names, ActionFileOperation)
	}
	if deps.DB != nil {
		r.RegisterHandler(ActionDatabaseOperation, NewDatabaseOperationHandler(logger, deps.DB))
		names = append(names, ActionDatabaseOperation)
	}
	if deps.NATS != nil {
		r.RegisterHandler(ActionNATSPublish, NewNATSPublishHandler(logger, deps.NATS))
		names = append(names, ActionNATSPublish)
	}
	return names
}

// decodeArgs unmarshals the job's action arguments into payload
func decodeArgs(job *model.Job, payload interface{}) error {
	if len(job.Action.Args) == 0 {
		return errors.New("missing action arguments")
	}
	if err := json.Unmarshal(job.Action.Args, payload); err != nil {
		return errors.Wrap(err, "failed to unmarshal payload")
	}
	return nil
}
