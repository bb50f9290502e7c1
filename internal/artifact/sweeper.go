package artifact

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is used when a Sweeper is created without one.
const DefaultSweepInterval = time.Minute

// Sweeper periodically sweeps expired artifacts out of a store.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("Artifact sweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Artifact sweeper stopped")
			return
		case <-ticker.C:
			w.store.Sweep(w.store.clock.Now())
		}
	}
}
