package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

// ownedName reports whether name is one the store creates under its root:
// an artifact id or an incoming staging entry. Anything else in the root is
// never touched by reconciliation.
func ownedName(name string) bool {
	if strings.HasPrefix(name, incomingPrefix) {
		return true
	}
	_, err := ulid.ParseStrict(name)
	return err == nil
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Retried  int `json:"retried"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
	Orphans  int `json:"orphans"`
	Deferred int `json:"deferred"`
}

// Reconciler retries deletions that the store gave up on. It acts only on
// retry_scheduled handles, cleanup markers and unindexed leftovers, so it
// can run alongside live traffic.
type Reconciler struct {
	store    *Store
	interval time.Duration

	mu sync.Mutex
}

// NewReconciler creates a reconciler for store. interval <= 0 means one
// hour.
func NewReconciler(store *Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reconciler{store: store, interval: interval}
}

// Run reconciles once at startup, including orphan reclamation, and then
// on every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("Artifact reconciler started")
	r.logResult(r.ReconcileOnce(ctx, true))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Artifact reconciler stopped")
			return
		case <-ticker.C:
			r.logResult(r.ReconcileOnce(ctx, false))
		}
	}
}

func (r *Reconciler) logResult(res ReconcileResult) {
	if res == (ReconcileResult{}) {
		return
	}
	log.Info().
		Int("retried", res.Retried).
		Int("removed", res.Removed).
		Int("failed", res.Failed).
		Int("orphans", res.Orphans).
		Msg("Artifact reconciliation pass finished")
}

// ReconcileOnce runs a single pass. With orphans set it also removes
// unindexed artifacts older than the store TTL, which only exist after a
// restart.
func (r *Reconciler) ReconcileOnce(ctx context.Context, orphans bool) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReconcileResult
	s := r.store
	now := s.clock.Now()

	for _, id := range s.claimDue(now) {
		if ctx.Err() != nil {
			s.releaseClaim(id)
			return res
		}
		res.Retried++
		if s.finishReconcile(id, now) {
			res.Removed++
		} else {
			res.Failed++
		}
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		log.Error().Err(err).Str("root", s.root).Msg("Failed to scan artifact root")
		return res
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return res
		}
		name := e.Name()
		if id, ok := strings.CutSuffix(name, MarkerSuffix); ok {
			if !ownedName(id) || s.indexed(id) {
				continue
			}
			switch r.reclaimMarked(id, now) {
			case reclaimRemoved:
				res.Retried++
				res.Removed++
			case reclaimFailed:
				res.Retried++
				res.Failed++
			}
			continue
		}
		if !orphans || !ownedName(name) || names[name+MarkerSuffix] || s.indexed(name) {
			continue
		}
		switch r.reclaimOrphan(name, now) {
		case reclaimRemoved:
			res.Orphans++
		case reclaimFailed:
			res.Deferred++
		}
	}
	return res
}

type reclaimOutcome int

const (
	reclaimSkipped reclaimOutcome = iota
	reclaimRemoved
	reclaimFailed
)

// reclaimMarked retries a marker left by an earlier process once it is
// older than the threshold.
func (r *Reconciler) reclaimMarked(id string, now time.Time) reclaimOutcome {
	s := r.store
	loc := filepath.Join(s.root, id)
	failedAt, err := readMarker(markerPath(loc))
	if err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Msg("Unreadable cleanup marker")
		return reclaimSkipped
	}
	if now.Sub(failedAt) < s.threshold {
		return reclaimSkipped
	}
	if err := s.remover.Remove(loc); err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Msg("Deferred artifact deletion failed again")
		if merr := writeMarker(loc, now); merr != nil {
			log.Error().Err(merr).Str("artifact_id", id).Msg("Failed to refresh cleanup marker")
		}
		return reclaimFailed
	}
	if err := removeMarker(loc); err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Msg("Failed to remove cleanup marker")
	}
	hwmetrics.ReconciledTotal.WithLabelValues("marker").Inc()
	return reclaimRemoved
}

// reclaimOrphan removes an unindexed artifact once it is older than the
// store TTL. A failed removal is handed to the marker tier.
func (r *Reconciler) reclaimOrphan(name string, now time.Time) reclaimOutcome {
	s := r.store
	loc := filepath.Join(s.root, name)
	info, err := os.Lstat(loc)
	if err != nil {
		return reclaimSkipped
	}
	if now.Sub(info.ModTime()) <= s.ttl {
		return reclaimSkipped
	}
	if err := s.remover.Remove(loc); err != nil {
		log.Warn().Err(err).Str("path", loc).Msg("Orphaned artifact deletion failed")
		if merr := writeMarker(loc, now); merr != nil {
			log.Error().Err(merr).Str("path", loc).Msg("Failed to write cleanup marker")
		}
		return reclaimFailed
	}
	hwmetrics.ReconciledTotal.WithLabelValues("orphan").Inc()
	log.Info().Str("path", loc).Msg("Removed orphaned artifact")
	return reclaimRemoved
}

// claimDue marks every retry_scheduled handle whose retry time has passed
// as in flight and returns their ids.
func (s *Store) claimDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if e.h.State != StateRetryScheduled || e.inFlight {
			continue
		}
		if e.h.NextAttemptAt != nil && now.Before(*e.h.NextAttemptAt) {
			continue
		}
		e.inFlight = true
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) releaseClaim(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.inFlight = false
	}
}

// finishReconcile retries the removal of a claimed handle and records the
// outcome. It reports whether the artifact is now gone.
func (s *Store) finishReconcile(id string, now time.Time) bool {
	s.mu.Lock()
	e := s.entries[id]
	loc := e.h.Location
	s.mu.Unlock()

	err := s.remover.Remove(loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.inFlight = false
	e.h.Attempts++
	if err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Int("attempt", e.h.Attempts).Msg("Deferred artifact deletion failed again")
		if merr := writeMarker(loc, now); merr != nil {
			log.Error().Err(merr).Str("artifact_id", id).Msg("Failed to refresh cleanup marker")
		}
		next := now.Add(s.threshold)
		e.h.NextAttemptAt = &next
		return false
	}
	if err := removeMarker(loc); err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Msg("Failed to remove cleanup marker")
	}
	s.markGoneLocked(e, now)
	hwmetrics.ReconciledTotal.WithLabelValues("marker").Inc()
	return true
}
