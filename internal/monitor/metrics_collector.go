// Package monitor derives metrics and alerts from execution events.
package monitor

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/scheduler"
)

// DefaultMetricsSubject is where snapshots are published
const DefaultMetricsSubject = "metrics.scheduler"

// JobMetrics are execution counters for one job
type JobMetrics struct {
	JobID               string                 `json:"job_id"`
	Runs                uint64                 `json:"runs"`
	Failures            uint64                 `json:"failures"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastOutcome         model.ExecutionOutcome `json:"last_outcome"`
	LastFinishedAt      time.Time              `json:"last_finished_at"`
	TotalDuration       time.Duration          `json:"total_duration"`
	MaxDuration         time.Duration          `json:"max_duration"`
}

// ProcessMetrics describe the scheduler process itself
type ProcessMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// Snapshot is one published metrics report
type Snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Process   ProcessMetrics       `json:"process"`
	Scheduler *scheduler.Stats     `json:"scheduler,omitempty"`
	Executor  *model.ExecutorStats `json:"executor,omitempty"`
	Jobs      []JobMetrics         `json:"jobs"`
}

// Sources supply the counters included in each snapshot. Nil fields are
// omitted.
type Sources struct {
	Scheduler func() scheduler.Stats
	Executor  func() *model.ExecutorStats
}

// MetricsCollector aggregates execution events per job and periodically
// publishes a snapshot on NATS
type MetricsCollector struct {
	logger   *zap.Logger
	nc       *nats.Conn
	subject  string
	interval time.Duration
	sources  Sources
	proc     *process.Process

	mu   sync.RWMutex
	jobs map[string]*JobMetrics

	stop chan struct{}
	done chan struct{}
}

// NewMetricsCollector creates a new metrics collector. nc may be nil, in
// which case snapshots are only available through Snapshot.
func NewMetricsCollector(nc *nats.Conn, subject string, interval time.Duration, sources Sources, logger *zap.Logger) *MetricsCollector {
	if subject == "" {
		subject = DefaultMetricsSubject
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	logger = logger.Named("metrics-collector")
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process metrics unavailable", zap.Error(err))
	}

	return &MetricsCollector{
		logger:   logger,
		nc:       nc,
		subject:  subject,
		interval: interval,
		sources:  sources,
		proc:     proc,
		jobs:     make(map[string]*JobMetrics),
	}
}

// Start starts the publish loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector",
		zap.String("subject", c.subject),
		zap.Duration("interval", c.interval))

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.collectLoop(ctx)
}

// Stop stops the publish loop
func (c *MetricsCollector) Stop() {
	if c.stop == nil {
		return
	}
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
	<-c.done
}

// Listener returns the event listener feeding the per-job counters
func (c *MetricsCollector) Listener() func(name string, event model.ExecutionEvent) {
	return func(name string, event model.ExecutionEvent) {
		c.record(event)
	}
}

func (c *MetricsCollector) record(event model.ExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.jobs[event.JobID]
	if !ok {
		m = &JobMetrics{JobID: event.JobID}
		c.jobs[event.JobID] = m
	}

	m.Runs++
	if event.Succeeded() {
		m.ConsecutiveFailures = 0
	} else {
		m.Failures++
		m.ConsecutiveFailures++
	}
	m.LastOutcome = event.Outcome
	m.LastFinishedAt = event.FinishedAt
	m.TotalDuration += event.Duration
	if event.Duration > m.MaxDuration {
		m.MaxDuration = event.Duration
	}
}

// JobMetrics returns the counters of one job
func (c *MetricsCollector) JobMetrics(jobID string) (JobMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.jobs[jobID]
	if !ok {
		return JobMetrics{}, false
	}
	return *m, true
}

// Snapshot builds a metrics report
func (c *MetricsCollector) Snapshot() *Snapshot {
	snapshot := &Snapshot{
		Timestamp: time.Now(),
		Process:   c.processMetrics(),
	}
	if c.sources.Scheduler != nil {
		stats := c.sources.Scheduler()
		snapshot.Scheduler = &stats
	}
	if c.sources.Executor != nil {
		snapshot.Executor = c.sources.Executor()
	}

	c.mu.RLock()
	snapshot.Jobs = make([]JobMetrics, 0, len(c.jobs))
	for _, m := range c.jobs {
		snapshot.Jobs = append(snapshot.Jobs, *m)
	}
	c.mu.RUnlock()

	sort.Slice(snapshot.Jobs, func(i, j int) bool {
		return snapshot.Jobs[i].JobID < snapshot.Jobs[j].JobID
	})
	return snapshot
}

func (c *MetricsCollector) processMetrics() ProcessMetrics {
	metrics := ProcessMetrics{Goroutines: runtime.NumGoroutine()}
	if c.proc == nil {
		return metrics
	}

	if cpuPercent, err := c.proc.CPUPercent(); err == nil {
		metrics.CPUPercent = cpuPercent
	} else {
		c.logger.Debug("Failed to get process CPU usage", zap.Error(err))
	}
	if memInfo, err := c.proc.MemoryInfo(); err == nil {
		metrics.RSSBytes = memInfo.RSS
	} else {
		c.logger.Debug("Failed to get process memory usage", zap.Error(err))
	}
	return metrics
}

// collectLoop runs the metrics publish loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.publish()
		}
	}
}

func (c *MetricsCollector) publish() {
	snapshot := c.Snapshot()
	if c.nc == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}

	if err := c.nc.Publish(c.subject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics published",
		zap.Float64("cpu_percent", snapshot.Process.CPUPercent),
		zap.Uint64("rss_bytes", snapshot.Process.RSSBytes),
		zap.Int("job_count", len(snapshot.Jobs)))
}
