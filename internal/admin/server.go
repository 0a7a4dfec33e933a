package admin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/scheduler"
	"github.com/t77yq/jobscheduler/internal/storage"
)

// Scheduler is the administrative surface served remotely
type Scheduler interface {
	AddJob(ctx context.Context, job *model.Job) (*model.Job, error)
	RemoveJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)
	PauseJob(ctx context.Context, id string) (*model.Job, error)
	ResumeJob(ctx context.Context, id string) (*model.Job, error)
	RescheduleJob(ctx context.Context, id string, spec model.TriggerSpec) (*model.Job, error)
	State() scheduler.State
	Stats() scheduler.Stats
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultHistoryLimit   = 50
)

// Option customizes a Server
type Option func(*Server)

// WithHistory enables the history operation
func WithHistory(history storage.ExecutionHistory) Option {
	return func(s *Server) {
		s.history = history
	}
}

// WithExecutorStats adds worker pool counters to stats replies
func WithExecutorStats(stats func() *model.ExecutorStats) Option {
	return func(s *Server) {
		s.executorStats = stats
	}
}

// WithQueue makes several server instances share requests in a queue group
func WithQueue(queue string) Option {
	return func(s *Server) {
		s.queue = queue
	}
}

// Server answers admin requests on <subject>.<operation>
type Server struct {
	logger        *zap.Logger
	nc            *nats.Conn
	subject       string
	queue         string
	sched         Scheduler
	history       storage.ExecutionHistory
	executorStats func() *model.ExecutorStats
	timeout       time.Duration
	sub           *nats.Subscription
}

// NewServer creates an admin server. An empty subject uses DefaultSubject.
func NewServer(nc *nats.Conn, sched Scheduler, subject string, logger *zap.Logger, opts ...Option) *Server {
	if subject == "" {
		subject = DefaultSubject
	}
	s := &Server{
		logger:  logger.Named("admin"),
		nc:      nc,
		subject: subject,
		sched:   sched,
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the admin subjects
func (s *Server) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.nc.QueueSubscribe(s.subject+".*", s.queue, s.handle)
	} else {
		sub, err = s.nc.Subscribe(s.subject+".*", s.handle)
	}
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to admin subjects")
	}
	if err := s.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return errors.Wrap(err, "failed to flush admin subscription")
	}
	s.sub = sub

	s.logger.Info("Admin server listening", zap.String("subject", s.subject+".*"))
	return nil
}

// Stop stops answering requests, letting in-progress ones finish
func (s *Server) Stop() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Drain(); err != nil {
		s.logger.Warn("Failed to drain admin subscription", zap.Error(err))
	}
}

func (s *Server) handle(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, s.subject+".")

	var req Request
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, op, &Response{Error: &Error{Code: CodeBadRequest, Message: err.Error()}})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.serve(ctx, op, &req)
	if err != nil {
		s.logger.Debug("Admin request failed",
			zap.String("op", op),
			zap.String("job_id", req.ID),
			zap.Error(err))
		resp = &Response{Error: toError(err)}
	}
	s.reply(msg, op, resp)
}

func (s *Server) serve(ctx context.Context, op string, req *Request) (*Response, error) {
	switch op {
	case OpAdd:
		if req.Job == nil {
			return nil, errors.Wrap(errBadRequest, "job is required")
		}
		job, err := s.sched.AddJob(ctx, req.Job)
		if err != nil {
			return nil, err
		}
		return &Response{Job: job}, nil

	case OpRemove:
		if err := s.sched.RemoveJob(ctx, req.ID); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case OpGet:
		job, err := s.sched.GetJob(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return &Response{Job: job}, nil

	case OpList:
		jobs, err := s.sched.ListJobs(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Jobs: jobs, Total: len(jobs)}, nil

	case OpPause:
		job, err := s.sched.PauseJob(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return &Response{Job: job}, nil

	case OpResume:
		job, err := s.sched.ResumeJob(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return &Response{Job: job}, nil

	case OpReschedule:
		if req.Trigger == nil {
			return nil, errors.Wrap(errBadRequest, "trigger is required")
		}
		job, err := s.sched.RescheduleJob(ctx, req.ID, *req.Trigger)
		if err != nil {
			return nil, err
		}
		return &Response{Job: job}, nil

	case OpState:
		return &Response{State: s.sched.State()}, nil

	case OpStats:
		report := &StatsReport{Scheduler: s.sched.Stats()}
		if s.executorStats != nil {
			report.Executor = s.executorStats()
		}
		return &Response{Stats: report}, nil

	case OpHistory:
		return s.serveHistory(ctx, req)

	default:
		return nil, errors.Wrapf(errBadRequest, "unknown operation %q", op)
	}
}

func (s *Server) serveHistory(ctx context.Context, req *Request) (*Response, error) {
	if s.history == nil {
		return nil, errors.Wrap(errBadRequest, "execution history is disabled")
	}

	filter := storage.HistoryFilter{JobID: req.ID, Outcome: req.Outcome}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	events, err := s.history.List(ctx, filter, req.Offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.history.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Response{History: events, Total: total}, nil
}

func (s *Server) reply(msg *nats.Msg, op string, resp *Response) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal admin response", zap.String("op", op), zap.Error(err))
		data, _ = json.Marshal(&Response{Error: &Error{Code: CodeInternal, Message: err.Error()}})
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send admin response", zap.String("op", op), zap.Error(err))
	}
}
