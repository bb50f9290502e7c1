package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

const (
	DefaultMaxConcurrent = 4
	DefaultCPUThreshold  = 90.0
	DefaultAdmissionWait = 2 * time.Second
)

// CPUSource reports recent CPU usage in percent.
type CPUSource interface {
	CPUPercent() float64
}

// AdmissionOptions configures an Admission.
type AdmissionOptions struct {
	MaxConcurrent int64
	// CPUThreshold rejects new work while CPU usage is above it. Zero
	// disables the check.
	CPUThreshold float64
	// Wait bounds how long a request may wait for a render slot.
	Wait time.Duration
	CPU  CPUSource
}

// Admission bounds concurrent renders and sheds load under CPU pressure
// instead of queueing without limit.
type Admission struct {
	sem       *semaphore.Weighted
	threshold float64
	wait      time.Duration
	cpu       CPUSource
}

// NewAdmission creates an Admission.
func NewAdmission(opts AdmissionOptions) *Admission {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultAdmissionWait
	}
	return &Admission{
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		threshold: opts.CPUThreshold,
		wait:      opts.Wait,
		cpu:       opts.CPU,
	}
}

// Acquire takes a render slot. The returned release must be called once the
// render has finished.
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	if a.cpu != nil && a.threshold > 0 {
		if usage := a.cpu.CPUPercent(); usage > a.threshold {
			hwmetrics.AdmissionRejections.WithLabelValues("cpu").Inc()
			return nil, herrors.New(herrors.ErrorTypeOverloaded, "admit", "", herrors.ErrOverloaded)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()
	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		hwmetrics.AdmissionRejections.WithLabelValues("concurrency").Inc()
		return nil, herrors.New(herrors.ErrorTypeOverloaded, "admit", "", herrors.ErrOverloaded)
	}
	return func() { a.sem.Release(1) }, nil
}
