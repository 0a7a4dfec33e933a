package model

import "time"

// ExecutorStats represents executor load and host resource usage
type ExecutorStats struct {
	Workers     int       `json:"workers"`
	Running     int       `json:"running"`
	Queued      int       `json:"queued"`
	Held        int       `json:"held"`
	Skipped     uint64    `json:"skipped"`
	Completed   uint64    `json:"completed"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}
