// Package config loads the server configuration with viper.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. JOBSCHED_STORE_DRIVER
const EnvPrefix = "JOBSCHED"

// Config is the complete server configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	History   HistoryConfig   `mapstructure:"history"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Handlers  HandlersConfig  `mapstructure:"handlers"`
	Jobs      []JobConfig     `mapstructure:"jobs"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	Coalesce        bool          `mapstructure:"coalesce"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ShutdownPolicy  string        `mapstructure:"shutdown_policy"`
	Backoff         BackoffConfig `mapstructure:"backoff"`
}

type ExecutorConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	OverlapPolicy  string        `mapstructure:"overlap_policy"`
	StatsInterval  time.Duration `mapstructure:"stats_interval"`
}

// StoreConfig selects the job store. Path is used by sqlite, DSN by
// postgres.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	Stream         string        `mapstructure:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type HistoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type MonitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MetricsInterval  time.Duration `mapstructure:"metrics_interval"`
	MetricsSubject   string        `mapstructure:"metrics_subject"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SlowJobThreshold time.Duration `mapstructure:"slow_job_threshold"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type HandlersConfig struct {
	FileBaseDir string         `mapstructure:"file_base_dir"`
	Database    DatabaseConfig `mapstructure:"database"`
}

// JobConfig declares a job added at startup. Schedule uses the trigger
// string forms, e.g. "every:5m" or "cron:0 3 * * *".
type JobConfig struct {
	ID           string                 `mapstructure:"id"`
	Name         string                 `mapstructure:"name"`
	Schedule     string                 `mapstructure:"schedule"`
	Handler      string                 `mapstructure:"handler"`
	Args         map[string]interface{} `mapstructure:"args"`
	MaxInstances int                    `mapstructure:"max_instances"`
}

// SetDefaults registers the default value of every option
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "jobscheduler")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)

	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.coalesce", false)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)
	v.SetDefault("scheduler.shutdown_policy", "abandon")
	v.SetDefault("scheduler.backoff.initial_delay", time.Second)
	v.SetDefault("scheduler.backoff.max_delay", time.Minute)
	v.SetDefault("scheduler.backoff.multiplier", 2.0)

	v.SetDefault("executor.workers", 10)
	v.SetDefault("executor.queue_size", 100)
	v.SetDefault("executor.default_timeout", 5*time.Minute)
	v.SetDefault("executor.overlap_policy", "skip")
	v.SetDefault("executor.stats_interval", 10*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "jobs.db")
	v.SetDefault("store.max_open_conns", 1)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.stream", "SCHEDULER_EVENTS")
	v.SetDefault("nats.subject_prefix", "scheduler")
	v.SetDefault("nats.queue_size", 1024)
	v.SetDefault("nats.publish_timeout", 5*time.Second)
	v.SetDefault("nats.max_age", 7*24*time.Hour)
	v.SetDefault("nats.breaker.max_failures", 5)
	v.SetDefault("nats.breaker.open_timeout", 30*time.Second)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.cleanup_interval", time.Hour)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.subject", "scheduler.admin")
	v.SetDefault("admin.queue", "")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.metrics_interval", 30*time.Second)
	v.SetDefault("monitor.metrics_subject", "metrics.scheduler")
	v.SetDefault("monitor.failure_threshold", 3)
	v.SetDefault("monitor.slow_job_threshold", 0)

	v.SetDefault("handlers.file_base_dir", "./data")
	v.SetDefault("handlers.database.driver", "")
	v.SetDefault("handlers.database.dsn", "")
}

// Load reads the configuration. An empty path looks for config.yaml in
// ./config and the working directory; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks option values that have a fixed set of choices
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return errors.Newf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return errors.New("store.dsn is required for the postgres driver")
	}

	switch c.Scheduler.ShutdownPolicy {
	case "wait", "abandon":
	default:
		return errors.Newf("unknown shutdown policy %q", c.Scheduler.ShutdownPolicy)
	}

	switch c.Executor.OverlapPolicy {
	case "skip", "queue":
	default:
		return errors.Newf("unknown overlap policy %q", c.Executor.OverlapPolicy)
	}

	if c.Executor.Workers <= 0 {
		return errors.New("executor.workers must be positive")
	}

	if c.Admin.Enabled && !c.NATS.Enabled {
		return errors.New("admin requires nats.enabled")
	}

	for i, job := range c.Jobs {
		if job.Handler == "" || job.Schedule == "" {
			return errors.Newf("jobs[%d]: handler and schedule are required", i)
		}
	}
	return nil
}
