package handler

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// NATSPublishPayload represents the payload for NATS publish actions
type NATSPublishPayload struct {
	Subject string            `json:"subject"`
	Data    json.RawMessage   `json:"data"`
	Headers map[string]string `json:"headers"`
}

// NATSPublishHandler publishes a message on the scheduler's NATS connection
type NATSPublishHandler struct {
	logger *zap.Logger
	nc     *nats.Conn
}

// NewNATSPublishHandler creates a new NATS publish handler
func NewNATSPublishHandler(logger *zap.Logger, nc *nats.Conn) *NATSPublishHandler {
	return &NATSPublishHandler{
		logger: logger.Named("nats-publish"),
		nc:     nc,
	}
}

// Execute publishes the message and flushes so delivery errors surface in
// the run
func (h *NATSPublishHandler) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload NATSPublishPayload
	if err := decodeArgs(job, &payload); err != nil {
		return nil, err
	}
	if payload.Subject == "" {
		return nil, errors.New("subject is required")
	}

	msg := nats.NewMsg(payload.Subject)
	msg.Data = payload.Data
	for k, v := range payload.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("Scheduler-Job-Id", job.ID)

	h.logger.Info("Publishing message",
		zap.String("job_id", job.ID),
		zap.String("subject", payload.Subject),
		zap.Int("size", len(payload.Data)))

	if err := h.nc.PublishMsg(msg); err != nil {
		return nil, errors.Wrap(err, "failed to publish message")
	}
	if err := h.nc.FlushWithContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to flush connection")
	}

	return json.Marshal(map[string]string{"subject": payload.Subject})
}
