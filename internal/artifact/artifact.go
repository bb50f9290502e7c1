// Package artifact owns the short-lived files produced by rendering. Each
// artifact is downloadable for a fixed TTL and is then deleted, with a
// bounded in-process retry followed by a marker-driven deferred retry when
// the filesystem refuses the removal.
package artifact

import (
	"io"
	"time"
)

// Kind says whether an artifact is a single file or a directory of files.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// State is the deletion state of an artifact.
type State string

const (
	StateLive           State = "live"
	StatePendingDelete  State = "pending_delete"
	StateRetryScheduled State = "retry_scheduled"
	StateGone           State = "gone"
)

var allStates = []State{StateLive, StatePendingDelete, StateRetryScheduled, StateGone}

// Handle describes a stored artifact.
type Handle struct {
	ID        string    `json:"id"`
	Location  string    `json:"-"`
	Kind      Kind      `json:"kind"`
	MimeType  string    `json:"mime_type"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	State     State     `json:"state"`

	// Deletion scheduler state.
	Attempts      int        `json:"attempts,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	GoneAt        *time.Time `json:"gone_at,omitempty"`
}

// Downloadable reports whether h may be served at now.
func (h *Handle) Downloadable(now time.Time) bool {
	return h.State == StateLive && !now.After(h.ExpiresAt)
}

func (h *Handle) clone() *Handle {
	out := *h
	if h.NextAttemptAt != nil {
		ts := *h.NextAttemptAt
		out.NextAttemptAt = &ts
	}
	if h.GoneAt != nil {
		ts := *h.GoneAt
		out.GoneAt = &ts
	}
	return &out
}

// Meta is supplied by the caller when registering content.
type Meta struct {
	MimeType string
	// Name is the file name offered to downloaders.
	Name string
	// TTL overrides the store default when positive.
	TTL time.Duration
}

// Content is an open artifact ready to be streamed. Size is -1 when the
// length is not known in advance (directory artifacts streamed as zip).
type Content struct {
	io.ReadCloser
	ID       string
	MimeType string
	Name     string
	Size     int64
}

// Stats counts artifacts by state.
type Stats map[State]int
