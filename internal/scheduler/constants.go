package scheduler

import "time"

// State is the lifecycle state of the scheduler
type State string

const (
	StateStopped      State = "stopped"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
)

// ShutdownPolicy decides what Stop does once ShutdownTimeout has elapsed
// with runs still in flight
type ShutdownPolicy string

const (
	// ShutdownWait keeps waiting until the Stop context ends
	ShutdownWait ShutdownPolicy = "wait"
	// ShutdownAbandon returns immediately, logging the abandoned runs
	ShutdownAbandon ShutdownPolicy = "abandon"
)

const (
	defaultPollInterval    = time.Second
	defaultBatchSize       = 100
	defaultShutdownTimeout = 30 * time.Second

	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = time.Minute
	defaultBackoffMultiplier = 2.0

	// storeOpTimeout bounds store calls made while handling completions
	storeOpTimeout = 10 * time.Second
)
