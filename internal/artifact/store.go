package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

const (
	DefaultTTL                = time.Hour
	DefaultMaxAttempts        = 5
	DefaultBackoff            = 200 * time.Millisecond
	DefaultTombstoneRetention = 24 * time.Hour

	incomingPrefix = ".incoming-"
)

var errStoreClosed = errors.New("artifact store closed")

// Options configures a Store.
type Options struct {
	Root string
	// TTL is the default lifetime of registered artifacts.
	TTL time.Duration
	// MaxAttempts bounds the immediate deletion retries before a cleanup
	// marker is written.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	// ReconcileThreshold is how long a failed deletion waits before the
	// reconciler retries it.
	ReconcileThreshold time.Duration
	// TombstoneRetention is how long gone handles are remembered.
	TombstoneRetention time.Duration
	Clock              clock.Clock
	Remover            Remover
}

type entry struct {
	h        *Handle
	timer    clock.Timer
	inFlight bool
}

// Store indexes artifacts kept under a root directory. All state changes
// of a handle happen under the store mutex, and at most one removal per
// handle is in flight at any time.
type Store struct {
	root        string
	ttl         time.Duration
	maxAttempts int
	backoff     time.Duration
	threshold   time.Duration
	retention   time.Duration
	clock       clock.Clock
	remover     Remover

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	async sync.WaitGroup
}

// NewStore creates the root directory if needed and returns an empty store.
func NewStore(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	s := &Store{
		root:        opts.Root,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		threshold:   opts.ReconcileThreshold,
		retention:   opts.TombstoneRetention,
		clock:       opts.Clock,
		remover:     opts.Remover,
		entries:     make(map[string]*entry),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.backoff <= 0 {
		s.backoff = DefaultBackoff
	}
	if s.threshold <= 0 {
		s.threshold = time.Hour
	}
	if s.retention <= 0 {
		s.retention = DefaultTombstoneRetention
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.remover == nil {
		s.remover = OSRemover{}
	}
	return s, nil
}

// Root returns the directory artifacts are stored under.
func (s *Store) Root() string { return s.root }

// TTL returns the default artifact lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Register stores data as a new file artifact.
func (s *Store) Register(data []byte, meta Meta) (*Handle, error) {
	id := ulid.Make().String()
	loc := filepath.Join(s.root, id)

	tmp, err := os.CreateTemp(s.root, incomingPrefix+"*")
	if err != nil {
		return nil, herrors.WrapStorageError("register", id, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return nil, herrors.WrapStorageError("register", id, err)
	}
	if err := os.Rename(tmpName, loc); err != nil {
		_ = os.Remove(tmpName)
		return nil, herrors.WrapStorageError("register", id, err)
	}
	return s.add(id, loc, KindFile, int64(len(data)), meta)
}

// RegisterFile moves the file at path into the store. The caller gives up
// ownership of path.
func (s *Store) RegisterFile(path string, meta Meta) (*Handle, error) {
	id := ulid.Make().String()
	loc := filepath.Join(s.root, id)

	if err := moveFile(path, loc); err != nil {
		return nil, herrors.WrapStorageError("register", id, err)
	}
	// Orphan reclamation ages entries by mtime, which rename preserves.
	now := s.clock.Now()
	if err := os.Chtimes(loc, now, now); err != nil {
		_ = s.remover.Remove(loc)
		return nil, herrors.WrapStorageError("register", id, err)
	}
	info, err := os.Stat(loc)
	if err != nil {
		_ = s.remover.Remove(loc)
		return nil, herrors.WrapStorageError("register", id, err)
	}
	return s.add(id, loc, KindFile, info.Size(), meta)
}

// RegisterDir moves the directory at dir into the store as one artifact.
// Downloads stream its files as a zip archive.
func (s *Store) RegisterDir(dir string, meta Meta) (*Handle, error) {
	id := ulid.Make().String()
	loc := filepath.Join(s.root, id)

	if err := moveDir(dir, loc); err != nil {
		return nil, herrors.WrapStorageError("register", id, err)
	}
	now := s.clock.Now()
	if err := os.Chtimes(loc, now, now); err != nil {
		_ = s.remover.Remove(loc)
		return nil, herrors.WrapStorageError("register", id, err)
	}
	size, err := dirSize(loc)
	if err != nil {
		_ = s.remover.Remove(loc)
		return nil, herrors.WrapStorageError("register", id, err)
	}
	if meta.MimeType == "" {
		meta.MimeType = "application/zip"
	}
	return s.add(id, loc, KindDir, size, meta)
}

func (s *Store) add(id, loc string, kind Kind, size int64, meta Meta) (*Handle, error) {
	ttl := meta.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	name := meta.Name
	if name == "" {
		name = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = s.remover.Remove(loc)
		return nil, herrors.WrapStorageError("register", id, errStoreClosed)
	}
	now := s.clock.Now()
	h := &Handle{
		ID:        id,
		Location:  loc,
		Kind:      kind,
		MimeType:  mimeType,
		Name:      name,
		Size:      size,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	e := &entry{h: h}
	s.setStateLocked(e, StateLive)
	s.entries[id] = e

	log.Debug().Str("artifact_id", id).Str("kind", string(kind)).Int64("size", size).Msg("Artifact registered")
	return h.clone(), nil
}

// Fetch opens a downloadable artifact. An artifact past its expiry is Gone
// even if its bytes are still on disk, and fetching it starts its deletion.
func (s *Store) Fetch(id string) (*Content, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, herrors.NotFound("fetch", id)
	}
	now := s.clock.Now()
	if !e.h.Downloadable(now) {
		trigger := e.h.State == StateLive && !s.closed
		if trigger {
			s.beginDeletionLocked(e)
			s.async.Add(1)
		}
		s.mu.Unlock()
		if trigger {
			go func() {
				defer s.async.Done()
				s.attempt(id)
			}()
		}
		return nil, errGone(id)
	}
	h := e.h.clone()
	s.mu.Unlock()

	content := &Content{ID: h.ID, MimeType: h.MimeType, Name: h.Name}
	if h.Kind == KindDir {
		content.ReadCloser = zipDir(h.Location)
		content.Size = -1
		return content, nil
	}
	f, err := os.Open(h.Location)
	if err != nil {
		return nil, herrors.WrapStorageError("fetch", id, err)
	}
	content.ReadCloser = f
	content.Size = h.Size
	return content, nil
}

// Get returns a snapshot of the handle for id.
func (s *Store) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.h.clone(), true
}

// Stats counts indexed handles by state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Stats, len(allStates))
	for _, e := range s.entries {
		out[e.h.State]++
	}
	return out
}

// Evict starts deletion of a live artifact regardless of its expiry. The
// first removal attempt runs before Evict returns.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return herrors.NotFound("evict", id)
	}
	started := e.h.State == StateLive && !s.closed
	if started {
		s.beginDeletionLocked(e)
	}
	s.mu.Unlock()

	if started {
		s.attempt(id)
	}
	return nil
}

// Sweep moves every live artifact that expired before now to
// pending_delete and makes its first deletion attempt. Gone handles older
// than the tombstone retention are forgotten. It returns the number of
// deletions started.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var due []string
	for id, e := range s.entries {
		switch e.h.State {
		case StateLive:
			if e.h.ExpiresAt.Before(now) {
				s.beginDeletionLocked(e)
				due = append(due, id)
			}
		case StateGone:
			if e.h.GoneAt != nil && now.Sub(*e.h.GoneAt) > s.retention {
				hwmetrics.ArtifactsByState.WithLabelValues(string(StateGone)).Dec()
				delete(s.entries, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.attempt(id)
	}
	if len(due) > 0 {
		log.Info().Int("count", len(due)).Msg("Swept expired artifacts")
	}
	return len(due)
}

// Close stops pending retries and waits for deletions started by Fetch.
// Artifacts still on disk are reclaimed by the next process's reconciler.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.mu.Unlock()
	s.async.Wait()
	return nil
}

func (s *Store) indexed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Store) setStateLocked(e *entry, state State) {
	if e.h.State != "" {
		hwmetrics.ArtifactsByState.WithLabelValues(string(e.h.State)).Dec()
	}
	e.h.State = state
	hwmetrics.ArtifactsByState.WithLabelValues(string(state)).Inc()
}

func errGone(id string) error {
	return herrors.New(herrors.ErrorTypeGone, "fetch", id, herrors.ErrGone)
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		return copyFile(path, target)
	})
	if err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}
