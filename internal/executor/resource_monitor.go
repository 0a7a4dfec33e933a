package executor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceSample is a snapshot of host resource usage
type ResourceSample struct {
	CPUUsage    float64
	MemoryUsage float64
	CollectedAt time.Time
}

// ResourceMonitor periodically samples host CPU and memory usage
type ResourceMonitor struct {
	logger   *zap.Logger
	interval time.Duration
	mu       sync.RWMutex
	sample   ResourceSample
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewResourceMonitor creates a new resource monitor
func NewResourceMonitor(interval time.Duration, logger *zap.Logger) *ResourceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceMonitor{
		logger:   logger.Named("resource-monitor"),
		interval: interval,
	}
}

// Start collects a first sample and keeps sampling until Stop or ctx ends
func (rm *ResourceMonitor) Start(ctx context.Context) {
	rm.logger.Info("Starting resource monitor", zap.Duration("interval", rm.interval))

	ctx, rm.cancel = context.WithCancel(ctx)
	rm.done = make(chan struct{})
	rm.collect()

	go rm.monitorResources(ctx)
}

// Stop stops sampling
func (rm *ResourceMonitor) Stop() {
	if rm.cancel == nil {
		return
	}
	rm.logger.Info("Stopping resource monitor")
	rm.cancel()
	<-rm.done
}

// Sample returns the latest resource sample
func (rm *ResourceMonitor) Sample() ResourceSample {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.sample
}

// monitorResources monitors system resource usage
func (rm *ResourceMonitor) monitorResources(ctx context.Context) {
	defer close(rm.done)

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.collect()
		}
	}
}

// collect collects system resource statistics
func (rm *ResourceMonitor) collect() {
	sample := ResourceSample{CollectedAt: time.Now()}

	// Percent with a zero interval compares against the previous call
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		rm.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		sample.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		rm.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		sample.MemoryUsage = memInfo.UsedPercent
	}

	rm.mu.Lock()
	rm.sample = sample
	rm.mu.Unlock()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", sample.CPUUsage),
		zap.Float64("memory_usage", sample.MemoryUsage))
}
