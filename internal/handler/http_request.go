package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// maxResponseBody caps how much of a response is kept in the event
const maxResponseBody = 64 * 1024

// HTTPRequestPayload represents the payload for HTTP request actions
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"timeout"`
}

// HTTPRequestResult is returned by a successful request
type HTTPRequestResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// HTTPRequestHandler handles HTTP request actions
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.Named("http-request"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the HTTP request. Status codes >= 400 fail the run.
func (h *HTTPRequestHandler) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload HTTPRequestPayload
	if err := decodeArgs(job, &payload); err != nil {
		return nil, err
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("job_id", job.ID),
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode >= 400 {
		return nil, errors.Newf("HTTP request failed with status: %d", resp.StatusCode)
	}

	return json.Marshal(HTTPRequestResult{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
	})
}
