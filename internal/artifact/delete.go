package artifact

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

func (s *Store) beginDeletionLocked(e *entry) {
	s.setStateLocked(e, StatePendingDelete)
	e.h.Attempts = 0
	e.h.NextAttemptAt = nil
}

func (s *Store) markGoneLocked(e *entry, now time.Time) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	s.setStateLocked(e, StateGone)
	e.h.NextAttemptAt = nil
	goneAt := now
	e.h.GoneAt = &goneAt
}

// attempt makes one removal attempt for a pending_delete artifact. A
// failure schedules the next attempt after Attempts*backoff; after the last
// allowed attempt a cleanup marker is written and the handle is left for
// the reconciler.
func (s *Store) attempt(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || s.closed || e.inFlight || e.h.State != StatePendingDelete {
		s.mu.Unlock()
		return
	}
	e.inFlight = true
	e.timer = nil
	e.h.Attempts++
	n := e.h.Attempts
	loc := e.h.Location
	s.mu.Unlock()

	err := s.remover.Remove(loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.inFlight = false
	now := s.clock.Now()

	if err == nil {
		s.markGoneLocked(e, now)
		hwmetrics.DeletionAttempts.WithLabelValues("removed").Inc()
		log.Debug().Str("artifact_id", id).Int("attempt", n).Msg("Artifact deleted")
		return
	}

	hwmetrics.DeletionAttempts.WithLabelValues("failed").Inc()
	log.Warn().Err(err).Str("artifact_id", id).Int("attempt", n).Int("max_attempts", s.maxAttempts).Msg("Artifact deletion failed")

	if n >= s.maxAttempts {
		if merr := writeMarker(loc, now); merr != nil {
			log.Error().Err(merr).Str("artifact_id", id).Msg("Failed to write cleanup marker")
		}
		next := now.Add(s.threshold)
		e.h.NextAttemptAt = &next
		s.setStateLocked(e, StateRetryScheduled)
		hwmetrics.DeletionAttempts.WithLabelValues("deferred").Inc()
		log.Warn().Str("artifact_id", id).Time("retry_after", next).Msg("Artifact deletion deferred to reconciler")
		return
	}
	if s.closed {
		return
	}

	delay := time.Duration(n) * s.backoff
	next := now.Add(delay)
	e.h.NextAttemptAt = &next
	e.timer = s.clock.AfterFunc(delay, func() { s.attempt(id) })
}
