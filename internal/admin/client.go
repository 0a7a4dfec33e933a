package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/scheduler"
)

// Client sends admin requests to a Server. Errors returned by the remote
// scheduler match the storage, trigger and scheduler sentinels.
type Client struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewClient creates a client. A zero timeout defaults to five seconds.
func NewClient(nc *nats.Conn, subject string, timeout time.Duration) *Client {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: nc, subject: subject, timeout: timeout}
}

func (c *Client) call(ctx context.Context, op string, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject+"."+op, data)
	if err != nil {
		return nil, errors.Wrapf(err, "admin %s request failed", op)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	return &resp, nil
}

// AddJob adds a job and returns it as stored
func (c *Client) AddJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	resp, err := c.call(ctx, OpAdd, &Request{Job: job})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// RemoveJob removes a job
func (c *Client) RemoveJob(ctx context.Context, id string) error {
	_, err := c.call(ctx, OpRemove, &Request{ID: id})
	return err
}

// GetJob fetches a job
func (c *Client) GetJob(ctx context.Context, id string) (*model.Job, error) {
	resp, err := c.call(ctx, OpGet, &Request{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// ListJobs lists every job
func (c *Client) ListJobs(ctx context.Context) ([]*model.Job, error) {
	resp, err := c.call(ctx, OpList, &Request{})
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// PauseJob pauses a job
func (c *Client) PauseJob(ctx context.Context, id string) (*model.Job, error) {
	resp, err := c.call(ctx, OpPause, &Request{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// ResumeJob resumes a job
func (c *Client) ResumeJob(ctx context.Context, id string) (*model.Job, error) {
	resp, err := c.call(ctx, OpResume, &Request{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// RescheduleJob replaces the trigger of a job
func (c *Client) RescheduleJob(ctx context.Context, id string, spec model.TriggerSpec) (*model.Job, error) {
	resp, err := c.call(ctx, OpReschedule, &Request{ID: id, Trigger: &spec})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// State returns the scheduler lifecycle state
func (c *Client) State(ctx context.Context) (scheduler.State, error) {
	resp, err := c.call(ctx, OpState, &Request{})
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

// Stats returns scheduler and executor counters
func (c *Client) Stats(ctx context.Context) (*StatsReport, error) {
	resp, err := c.call(ctx, OpStats, &Request{})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// History lists recorded executions, newest first, with the total count
// matching the filter. An empty jobID matches every job.
func (c *Client) History(ctx context.Context, jobID string, outcome model.ExecutionOutcome, offset, limit int) ([]*model.ExecutionEvent, int, error) {
	resp, err := c.call(ctx, OpHistory, &Request{ID: jobID, Outcome: outcome, Offset: offset, Limit: limit})
	if err != nil {
		return nil, 0, err
	}
	return resp.History, resp.Total, nil
}
