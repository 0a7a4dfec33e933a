package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// LogPayload represents the payload for log actions
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// LogHandler writes a message to the scheduler log. It is mostly useful to
// verify a schedule.
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler creates a new log handler
func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{
		logger: logger.Named("log-action"),
	}
}

// Execute logs the message and echoes it back as the result
func (h *LogHandler) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload LogPayload
	if len(job.Action.Args) > 0 {
		if err := decodeArgs(job, &payload); err != nil {
			return nil, err
		}
	}
	if payload.Message == "" {
		payload.Message = job.Name
	}

	fields := []zap.Field{zap.String("job_id", job.ID)}
	switch payload.Level {
	case "debug":
		h.logger.Debug(payload.Message, fields...)
	case "warn":
		h.logger.Warn(payload.Message, fields...)
	case "error":
		h.logger.Error(payload.Message, fields...)
	default:
		h.logger.Info(payload.Message, fields...)
	}

	return json.Marshal(map[string]string{"message": payload.Message})
}
