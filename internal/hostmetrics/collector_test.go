package hostmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

func stubSystemCalls(t *testing.T) {
	t.Helper()
	origCPUCounts := cpuCounts
	origCPUPercent := cpuPercent
	origLoadAvg := loadAvg
	origVirtualMemory := virtualMemory
	t.Cleanup(func() {
		cpuCounts = origCPUCounts
		cpuPercent = origCPUPercent
		loadAvg = origLoadAvg
		virtualMemory = origVirtualMemory
	})

	cpuCounts = func(ctx context.Context, logical bool) (int, error) { return 8, nil }
	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{42.5}, nil
	}
	loadAvg = func(ctx context.Context) (*goload.AvgStat, error) {
		return &goload.AvgStat{Load1: 1, Load5: 2, Load15: 3}, nil
	}
	virtualMemory = func(ctx context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{UsedPercent: 61.5}, nil
	}
}

func TestCollectCPUUsageBranches(t *testing.T) {
	stubSystemCalls(t)

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return nil, errors.New("boom")
	}
	if _, err := collectCPUUsage(context.Background()); err == nil {
		t.Fatal("expected collectCPUUsage to return error when cpuPercent fails")
	}

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{}, nil
	}
	usage, err := collectCPUUsage(context.Background())
	if err != nil {
		t.Fatalf("collectCPUUsage unexpected error for empty percentages: %v", err)
	}
	if usage != 0 {
		t.Fatalf("expected empty percentages to return 0, got %v", usage)
	}

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{-4.2}, nil
	}
	usage, _ = collectCPUUsage(context.Background())
	if usage != 0 {
		t.Fatalf("expected negative usage to clamp to 0, got %v", usage)
	}

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{147.9}, nil
	}
	usage, _ = collectCPUUsage(context.Background())
	if usage != 100 {
		t.Fatalf("expected >100 usage to clamp to 100, got %v", usage)
	}
}

func TestCollect(t *testing.T) {
	stubSystemCalls(t)

	snap, err := Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.CPUUsagePercent != 42.5 || snap.CPUCount != 8 {
		t.Fatalf("unexpected cpu fields: %+v", snap)
	}
	if len(snap.LoadAverage) != 3 || snap.LoadAverage[2] != 3 {
		t.Fatalf("unexpected load average: %v", snap.LoadAverage)
	}
	if snap.MemoryUsagePercent != 61.5 {
		t.Fatalf("unexpected memory usage: %v", snap.MemoryUsagePercent)
	}
	if snap.CollectedAt.IsZero() {
		t.Fatal("expected CollectedAt to be set")
	}
}

func TestCollectOptionalFailures(t *testing.T) {
	stubSystemCalls(t)
	loadAvg = func(ctx context.Context) (*goload.AvgStat, error) { return nil, errors.New("no load") }
	virtualMemory = func(ctx context.Context) (*gomem.VirtualMemoryStat, error) { return nil, errors.New("no mem") }

	snap, err := Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect should tolerate load and memory failures: %v", err)
	}
	if snap.LoadAverage != nil || snap.MemoryUsagePercent != 0 {
		t.Fatalf("expected optional fields to be empty: %+v", snap)
	}
}

func TestSamplerKeepsLastGoodSample(t *testing.T) {
	stubSystemCalls(t)
	s := NewSampler(time.Hour)

	if got := s.CPUPercent(); got != 0 {
		t.Fatalf("expected zero before first sample, got %v", got)
	}

	s.refresh(context.Background())
	if got := s.CPUPercent(); got != 42.5 {
		t.Fatalf("expected 42.5, got %v", got)
	}

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return nil, errors.New("boom")
	}
	s.refresh(context.Background())
	if got := s.CPUPercent(); got != 42.5 {
		t.Fatalf("failed sample must not replace the last good one, got %v", got)
	}
}
