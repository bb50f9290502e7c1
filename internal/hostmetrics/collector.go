// Package hostmetrics samples host CPU, load and memory so that generation
// requests can be turned away while the machine is saturated.
package hostmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// System call wrappers for testing
var (
	cpuCounts     = gocpu.CountsWithContext
	cpuPercent    = gocpu.PercentWithContext
	loadAvg       = goload.AvgWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
)

// Snapshot represents a host resource utilisation sample.
type Snapshot struct {
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	CPUCount           int       `json:"cpu_count"`
	LoadAverage        []float64 `json:"load_average,omitempty"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	CollectedAt        time.Time `json:"collected_at"`
}

// Collect gathers a point-in-time snapshot of host resource utilisation.
// Measuring CPU usage blocks for one second.
func Collect(ctx context.Context) (Snapshot, error) {
	collectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var snapshot Snapshot

	if cpuCount, err := cpuCounts(collectCtx, true); err == nil {
		snapshot.CPUCount = cpuCount
	}

	cpuUsage, err := collectCPUUsage(collectCtx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu usage: %w", err)
	}
	snapshot.CPUUsagePercent = cpuUsage

	if loadAvg, err := loadAvg(collectCtx); err == nil && loadAvg != nil {
		snapshot.LoadAverage = []float64{loadAvg.Load1, loadAvg.Load5, loadAvg.Load15}
	}

	if memStats, err := virtualMemory(collectCtx); err == nil && memStats != nil {
		snapshot.MemoryUsagePercent = memStats.UsedPercent
	}

	snapshot.CollectedAt = time.Now().UTC()
	return snapshot, nil
}

func collectCPUUsage(ctx context.Context) (float64, error) {
	percentages, err := cpuPercent(ctx, time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, nil
	}

	usage := percentages[0]
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}
	return usage, nil
}

// Sampler keeps the most recent Snapshot so that callers on the request
// path never wait for a measurement.
type Sampler struct {
	interval time.Duration

	mu   sync.RWMutex
	last Snapshot
}

// NewSampler creates a Sampler refreshed every interval by Run.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval}
}

// Run refreshes the snapshot until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) refresh(ctx context.Context) {
	snap, err := Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Msg("Host metrics sample failed")
		}
		return
	}
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

// Snapshot returns the latest sample. It is zero before the first sample.
func (s *Sampler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// CPUPercent returns the latest CPU usage sample.
func (s *Sampler) CPUPercent() float64 {
	return s.Snapshot().CPUUsagePercent
}
