package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/admin"
	"github.com/t77yq/jobscheduler/internal/config"
	"github.com/t77yq/jobscheduler/internal/events"
	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/handler"
	"github.com/t77yq/jobscheduler/internal/logging"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/monitor"
	"github.com/t77yq/jobscheduler/internal/scheduler"
	"github.com/t77yq/jobscheduler/internal/storage"
	"github.com/t77yq/jobscheduler/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server shutting down gracefully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	// Executor
	resources := executor.NewResourceMonitor(cfg.Executor.StatsInterval, logger)
	resources.Start(ctx)
	defer resources.Stop()

	exec := executor.NewExecutor(executor.Config{
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		OverlapPolicy:  executor.OverlapPolicy(cfg.Executor.OverlapPolicy),
	}, logger, resources)

	deps := handler.Dependencies{FileBaseDir: cfg.Handlers.FileBaseDir, NATS: nc}
	if cfg.Handlers.Database.Driver != "" {
		db, err := sql.Open(cfg.Handlers.Database.Driver, cfg.Handlers.Database.DSN)
		if err != nil {
			return errors.Wrap(err, "failed to open handler database")
		}
		defer db.Close()
		deps.DB = db
	}
	registered := handler.RegisterBuiltins(exec, logger, deps)
	logger.Info("Registered action handlers", zap.Strings("handlers", registered))

	exec.Start()
	defer exec.Close()

	// Event dispatch
	bus := events.NewBus(logger)
	defer bus.Close()
	dispatchers := events.Multi{bus}

	if nc != nil {
		js, err := nc.JetStream()
		if err != nil {
			return errors.Wrap(err, "failed to create JetStream context")
		}
		publisher, err := events.NewNATSPublisher(js, events.NATSPublisherConfig{
			Stream:         cfg.NATS.Stream,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			QueueSize:      cfg.NATS.QueueSize,
			PublishTimeout: cfg.NATS.PublishTimeout,
			MaxAge:         cfg.NATS.MaxAge,
			MaxFailures:    cfg.NATS.Breaker.MaxFailures,
			OpenTimeout:    cfg.NATS.Breaker.OpenTimeout,
		}, logger)
		if err != nil {
			return err
		}
		publisher.Start()
		defer publisher.Close()
		dispatchers = append(dispatchers, publisher)
	}

	var history *storage.SQLiteExecutionHistory
	if cfg.History.Enabled {
		history, err = storage.NewSQLiteExecutionHistory(logger, cfg.History.Path)
		if err != nil {
			return errors.Wrap(err, "failed to create execution history")
		}
		defer history.Close()
		bus.Listen(history.Listener())
		go history.RunRetention(ctx, cfg.History.CleanupInterval, cfg.History.Retention)
	}

	sched := scheduler.New(store, exec, dispatchers, scheduler.Config{
		PollInterval:    cfg.Scheduler.PollInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		Coalesce:        cfg.Scheduler.Coalesce,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
		ShutdownPolicy:  scheduler.ShutdownPolicy(cfg.Scheduler.ShutdownPolicy),
		Backoff: scheduler.ExponentialBackoff{
			InitialDelay: cfg.Scheduler.Backoff.InitialDelay,
			MaxDelay:     cfg.Scheduler.Backoff.MaxDelay,
			Multiplier:   cfg.Scheduler.Backoff.Multiplier,
		},
	}, logger)

	if cfg.Monitor.Enabled {
		metrics := monitor.NewMetricsCollector(nc, cfg.Monitor.MetricsSubject, cfg.Monitor.MetricsInterval, monitor.Sources{
			Scheduler: sched.Stats,
			Executor:  exec.Stats,
		}, logger)
		bus.Listen(metrics.Listener())
		metrics.Start(ctx)
		defer metrics.Stop()

		alerts, err := newAlertManager(nc, cfg.Monitor, logger)
		if err != nil {
			return err
		}
		bus.Listen(alerts.Listener())
	}

	if err := addConfiguredJobs(ctx, sched, exec, cfg.Jobs, logger); err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		opts := []admin.Option{admin.WithExecutorStats(exec.Stats), admin.WithQueue(cfg.Admin.Queue)}
		if history != nil {
			opts = append(opts, admin.WithHistory(history))
		}
		server := admin.NewServer(nc, sched, cfg.Admin.Subject, logger, opts...)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout+10*time.Second)
	defer stopCancel()
	err = sched.Stop(stopCtx)
	cancel()
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storage.JobStore, error) {
	logger.Info("Opening job store", zap.String("driver", cfg.Driver))

	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryJobStore(), nil
	case "sqlite":
		return storage.NewSQLiteJobStore(logger, cfg.Path, cfg.MaxOpenConns)
	case "postgres":
		return storage.OpenPostgresJobStore(ctx, logger, cfg.DSN, int32(cfg.MaxOpenConns))
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.Driver)
	}
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	retries := cfg.NATS.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS after retries")
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func newAlertManager(nc *nats.Conn, cfg config.MonitorConfig, logger *zap.Logger) (*monitor.AlertManager, error) {
	var js nats.JetStreamContext
	if nc != nil {
		var err error
		if js, err = nc.JetStream(); err != nil {
			return nil, errors.Wrap(err, "failed to create JetStream context")
		}
	}

	alerts := monitor.NewAlertManager(js, logger)
	if err := alerts.Start(); err != nil {
		return nil, err
	}

	if cfg.FailureThreshold > 0 {
		rules := []*model.AlertRule{
			{
				ID:        "job-failures",
				Name:      "Consecutive job failures",
				Type:      model.AlertTypeJobFailure,
				Threshold: cfg.FailureThreshold,
				Severity:  model.AlertSeverityError,
			},
			{
				ID:       "job-recovery",
				Name:     "Job recovered",
				Type:     model.AlertTypeJobRecovery,
				Severity: model.AlertSeverityInfo,
			},
		}
		for _, rule := range rules {
			if err := alerts.AddRule(rule); err != nil {
				return nil, err
			}
		}
	}
	if cfg.SlowJobThreshold > 0 {
		if err := alerts.AddRule(&model.AlertRule{
			ID:       "slow-jobs",
			Name:     "Slow job",
			Type:     model.AlertTypeSlowJob,
			Duration: cfg.SlowJobThreshold,
			Severity: model.AlertSeverityWarning,
		}); err != nil {
			return nil, err
		}
	}
	return alerts, nil
}

// addConfiguredJobs adds the jobs declared in the config file. Jobs already
// in a durable store are left as they are.
func addConfiguredJobs(ctx context.Context, sched *scheduler.Scheduler, exec *executor.Executor, jobs []config.JobConfig, logger *zap.Logger) error {
	for _, jc := range jobs {
		spec, err := trigger.ParseSpec(jc.Schedule)
		if err != nil {
			return errors.Wrapf(err, "job %s", jc.ID)
		}
		if !exec.HasHandler(jc.Handler) {
			logger.Warn("Configured job uses an unregistered handler",
				zap.String("job_id", jc.ID),
				zap.String("handler", jc.Handler))
		}

		var args json.RawMessage
		if len(jc.Args) > 0 {
			if args, err = json.Marshal(jc.Args); err != nil {
				return errors.Wrapf(err, "job %s: failed to marshal args", jc.ID)
			}
		}

		_, err = sched.AddJob(ctx, &model.Job{
			ID:           jc.ID,
			Name:         jc.Name,
			Action:       model.Action{Handler: jc.Handler, Args: args},
			Trigger:      spec,
			MaxInstances: jc.MaxInstances,
		})
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrDuplicateID):
			logger.Debug("Configured job already stored", zap.String("job_id", jc.ID))
		default:
			return errors.Wrapf(err, "failed to add job %s", jc.ID)
		}
	}
	return nil
}
