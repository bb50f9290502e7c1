package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyRemover fails every call until healed, then delegates to OSRemover.
type flakyRemover struct {
	healed   atomic.Bool
	failures atomic.Int32
	calls    atomic.Int32
}

func (r *flakyRemover) Remove(path string) error {
	r.calls.Add(1)
	if !r.healed.Load() {
		if n := r.failures.Load(); n != 0 {
			if r.failures.Add(-1) == 0 {
				r.healed.Store(true)
			}
		}
		return errors.New("file is locked")
	}
	return OSRemover{}.Remove(path)
}

func newTestStore(t *testing.T, remover Remover) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	s, err := NewStore(Options{
		Root:    t.TempDir(),
		Clock:   clk,
		Remover: remover,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func readAll(t *testing.T, c *Content) []byte {
	t.Helper()
	defer c.Close()
	data, err := io.ReadAll(c)
	require.NoError(t, err)
	return data
}

func TestRegisterAndFetch(t *testing.T) {
	s, _ := newTestStore(t, nil)

	h, err := s.Register([]byte("%PDF-1.3 test"), Meta{MimeType: "application/pdf", Name: "handwriting.pdf"})
	require.NoError(t, err)
	assert.Equal(t, StateLive, h.State)
	assert.Equal(t, KindFile, h.Kind)
	assert.Equal(t, testStart.Add(DefaultTTL), h.ExpiresAt)
	assert.Equal(t, int64(13), h.Size)

	c, err := s.Fetch(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", c.MimeType)
	assert.Equal(t, "handwriting.pdf", c.Name)
	assert.Equal(t, int64(13), c.Size)
	assert.Equal(t, "%PDF-1.3 test", string(readAll(t, c)))

	other, err := s.Register([]byte("x"), Meta{})
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, other.ID)
	assert.NotEqual(t, h.Location, other.Location)
}

func TestFetchUnknownID(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.Fetch("01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, herrors.ErrNotFound)
}

func TestRegisterFileTakesOwnership(t *testing.T) {
	s, _ := newTestStore(t, nil)
	src := filepath.Join(t.TempDir(), "out.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf bytes"), 0o600))

	h, err := s.RegisterFile(src, Meta{MimeType: "application/pdf", TTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(10*time.Minute), h.ExpiresAt)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source must be moved into the store")

	c, err := s.Fetch(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(readAll(t, c)))
}

func TestFetchAfterExpiryIsGoneBeforeDeletion(t *testing.T) {
	release := make(chan struct{})
	var removing atomic.Bool
	remover := RemoverFunc(func(path string) error {
		removing.Store(true)
		<-release
		return OSRemover{}.Remove(path)
	})
	s, clk := newTestStore(t, remover)

	h, err := s.Register([]byte("secret"), Meta{TTL: time.Hour})
	require.NoError(t, err)

	clk.Advance(61 * time.Minute)

	_, err = s.Fetch(h.ID)
	assert.ErrorIs(t, err, herrors.ErrGone)

	_, statErr := os.Stat(h.Location)
	assert.NoError(t, statErr, "bytes are still on disk while the clock already says gone")

	// A second fetch must not start another deletion.
	_, err = s.Fetch(h.ID)
	assert.ErrorIs(t, err, herrors.ErrGone)

	require.Eventually(t, removing.Load, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		got, ok := s.Get(h.ID)
		return ok && got.State == StateGone
	}, time.Second, 5*time.Millisecond)

	_, statErr = os.Stat(h.Location)
	assert.True(t, os.IsNotExist(statErr))

	_, err = s.Fetch(h.ID)
	assert.ErrorIs(t, err, herrors.ErrGone)
}

func TestSweepRemovesExpired(t *testing.T) {
	s, clk := newTestStore(t, nil)

	expired, err := s.Register([]byte("old"), Meta{TTL: time.Hour})
	require.NoError(t, err)
	fresh, err := s.Register([]byte("new"), Meta{TTL: 3 * time.Hour})
	require.NoError(t, err)

	clk.Advance(61 * time.Minute)
	assert.Equal(t, 1, s.Sweep(clk.Now()))

	got, ok := s.Get(expired.ID)
	require.True(t, ok)
	assert.Equal(t, StateGone, got.State)
	assert.Equal(t, 1, got.Attempts)
	_, statErr := os.Stat(expired.Location)
	assert.True(t, os.IsNotExist(statErr))

	got, ok = s.Get(fresh.ID)
	require.True(t, ok)
	assert.Equal(t, StateLive, got.State)

	assert.Equal(t, 0, s.Sweep(clk.Now()), "sweep is idempotent")
}

func TestDeletionRetriesWithBackoff(t *testing.T) {
	remover := &flakyRemover{}
	remover.failures.Store(3)
	s, clk := newTestStore(t, remover)

	h, err := s.Register([]byte("locked"), Meta{TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	s.Sweep(clk.Now())

	got, _ := s.Get(h.ID)
	assert.Equal(t, StatePendingDelete, got.State)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, clk.Now().Add(DefaultBackoff), *got.NextAttemptAt)

	// Second attempt after 200ms, third after a further 400ms.
	clk.Advance(DefaultBackoff)
	got, _ = s.Get(h.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, StatePendingDelete, got.State)

	clk.Advance(2 * DefaultBackoff)
	got, _ = s.Get(h.ID)
	assert.Equal(t, 3, got.Attempts)

	clk.Advance(3 * DefaultBackoff)
	got, _ = s.Get(h.ID)
	assert.Equal(t, 4, got.Attempts)
	assert.Equal(t, StateGone, got.State)
	assert.Equal(t, 0, clk.Pending())

	_, statErr := os.Stat(markerPath(h.Location))
	assert.True(t, os.IsNotExist(statErr), "no marker when retries succeed")
}

func TestExhaustedRetriesDeferToReconciler(t *testing.T) {
	remover := &flakyRemover{}
	s, clk := newTestStore(t, remover)

	h, err := s.Register([]byte("locked"), Meta{TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	s.Sweep(clk.Now())
	clk.Advance(10 * time.Second)

	got, _ := s.Get(h.ID)
	assert.Equal(t, StateRetryScheduled, got.State)
	assert.Equal(t, DefaultMaxAttempts, got.Attempts)
	assert.Equal(t, int32(DefaultMaxAttempts), remover.calls.Load())
	assert.Equal(t, 0, clk.Pending())

	failedAt, err := readMarker(markerPath(h.Location))
	require.NoError(t, err)
	assert.WithinDuration(t, clk.Now(), failedAt, 10*time.Second)

	_, err = s.Fetch(h.ID)
	assert.ErrorIs(t, err, herrors.ErrGone)

	r := NewReconciler(s, time.Hour)
	remover.healed.Store(true)

	res := r.ReconcileOnce(context.Background(), false)
	assert.Equal(t, ReconcileResult{}, res, "marker younger than the threshold is left alone")

	clk.Advance(time.Hour)
	res = r.ReconcileOnce(context.Background(), false)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Removed)

	got, _ = s.Get(h.ID)
	assert.Equal(t, StateGone, got.State)
	_, statErr := os.Stat(h.Location)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(markerPath(h.Location))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcilerRefreshesMarkerOnFailure(t *testing.T) {
	remover := &flakyRemover{}
	s, clk := newTestStore(t, remover)

	h, err := s.Register([]byte("locked"), Meta{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, s.Evict(h.ID))
	clk.Advance(10 * time.Second)
	clk.Advance(time.Hour)

	r := NewReconciler(s, time.Hour)
	res := r.ReconcileOnce(context.Background(), false)
	assert.Equal(t, 1, res.Failed)

	got, _ := s.Get(h.ID)
	assert.Equal(t, StateRetryScheduled, got.State)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, clk.Now().Add(time.Hour), *got.NextAttemptAt)

	failedAt, err := readMarker(markerPath(h.Location))
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), failedAt)
}

func TestReconcilerReclaimsLeftoversFromPreviousProcess(t *testing.T) {
	s, clk := newTestStore(t, nil)
	root := s.Root()
	now := clk.Now()

	// Deletion deferred by an earlier process, marker past the threshold.
	marked := filepath.Join(root, ulid.Make().String())
	require.NoError(t, os.MkdirAll(marked, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(marked, "page_1.png"), []byte("png"), 0o400))
	require.NoError(t, writeMarker(marked, now.Add(-2*time.Hour)))

	// Deferred recently: must wait.
	recent := filepath.Join(root, ulid.Make().String())
	require.NoError(t, os.WriteFile(recent, []byte("pdf"), 0o600))
	require.NoError(t, writeMarker(recent, now.Add(-10*time.Minute)))

	// Unindexed and older than the TTL.
	orphan := filepath.Join(root, ulid.Make().String())
	require.NoError(t, os.WriteFile(orphan, []byte("pdf"), 0o600))
	require.NoError(t, os.Chtimes(orphan, now.Add(-3*time.Hour), now.Add(-3*time.Hour)))

	// Unindexed but still inside its TTL.
	young := filepath.Join(root, ulid.Make().String())
	require.NoError(t, os.WriteFile(young, []byte("pdf"), 0o600))
	require.NoError(t, os.Chtimes(young, now.Add(-5*time.Minute), now.Add(-5*time.Minute)))

	live, err := s.Register([]byte("live"), Meta{})
	require.NoError(t, err)

	res := NewReconciler(s, time.Hour).ReconcileOnce(context.Background(), true)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Orphans)

	for _, gone := range []string{marked, markerPath(marked), orphan} {
		_, err := os.Stat(gone)
		assert.True(t, os.IsNotExist(err), "%s should be removed", gone)
	}
	for _, kept := range []string{recent, markerPath(recent), young, live.Location} {
		_, err := os.Stat(kept)
		assert.NoError(t, err, "%s should be kept", kept)
	}
}

func TestReconcilerLeavesForeignEntriesAlone(t *testing.T) {
	s, clk := newTestStore(t, nil)
	root := s.Root()
	old := clk.Now().Add(-3 * time.Hour)

	// Entries the store never creates, old enough to look abandoned.
	ledgerDir := filepath.Join(root, "ledger")
	require.NoError(t, os.MkdirAll(ledgerDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "ledger.db"), []byte("db"), 0o600))
	envFile := filepath.Join(root, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HW_FREE_MODE=false\n"), 0o600))
	suffixed := filepath.Join(root, ulid.Make().String()+".pdf")
	require.NoError(t, os.WriteFile(suffixed, []byte("pdf"), 0o600))
	foreignMarked := filepath.Join(root, "backup.tar")
	require.NoError(t, os.WriteFile(foreignMarked, []byte("tar"), 0o600))
	require.NoError(t, writeMarker(foreignMarked, old))

	// An interrupted staging file is ours to reclaim.
	staging := filepath.Join(root, incomingPrefix+"123456")
	require.NoError(t, os.WriteFile(staging, []byte("partial"), 0o600))

	for _, p := range []string{ledgerDir, envFile, suffixed, foreignMarked, staging} {
		require.NoError(t, os.Chtimes(p, old, old))
	}

	res := NewReconciler(s, time.Hour).ReconcileOnce(context.Background(), true)
	assert.Equal(t, 1, res.Orphans)
	assert.Zero(t, res.Retried)

	_, err := os.Stat(staging)
	assert.True(t, os.IsNotExist(err), "staging file should be removed")
	for _, kept := range []string{ledgerDir, filepath.Join(ledgerDir, "ledger.db"), envFile, suffixed, foreignMarked, markerPath(foreignMarked)} {
		_, err := os.Stat(kept)
		assert.NoError(t, err, "%s should be kept", kept)
	}
}

func TestRegisterFileRefreshesModTime(t *testing.T) {
	s, clk := newTestStore(t, nil)

	src := filepath.Join(t.TempDir(), "old.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0o600))
	stale := clk.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(src, stale, stale))

	h, err := s.RegisterFile(src, Meta{MimeType: "application/pdf"})
	require.NoError(t, err)

	info, err := os.Stat(h.Location)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(clk.Now()), "mtime %s should be registration time", info.ModTime())

	// Once dropped from the index, as after a restart, the file is still
	// younger than the TTL and survives the orphan pass.
	s.mu.Lock()
	delete(s.entries, h.ID)
	s.mu.Unlock()
	res := NewReconciler(s, time.Hour).ReconcileOnce(context.Background(), true)
	assert.Zero(t, res.Orphans)
	_, err = os.Stat(h.Location)
	assert.NoError(t, err)
}

func TestDirectoryArtifactStreamsZip(t *testing.T) {
	s, _ := newTestStore(t, nil)

	dir := filepath.Join(t.TempDir(), "pages")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	pages := map[string]string{"page_1.png": "one", "page_2.png": "two"}
	for name, body := range pages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	h, err := s.RegisterDir(dir, Meta{Name: "images.zip"})
	require.NoError(t, err)
	assert.Equal(t, KindDir, h.Kind)
	assert.Equal(t, "application/zip", h.MimeType)
	assert.Equal(t, int64(6), h.Size)

	c, err := s.Fetch(h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), c.Size)
	data := readAll(t, c)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, pages[f.Name], string(body))
	}
	sort.Strings(names)
	assert.Equal(t, []string{"page_1.png", "page_2.png"}, names)
}

func TestAbortedDownloadLeavesStateIntact(t *testing.T) {
	s, _ := newTestStore(t, nil)

	dir := filepath.Join(t.TempDir(), "pages")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page_1.png"), bytes.Repeat([]byte("x"), 1<<20), 0o600))
	h, err := s.RegisterDir(dir, Meta{})
	require.NoError(t, err)

	c, err := s.Fetch(h.ID)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	got, _ := s.Get(h.ID)
	assert.Equal(t, StateLive, got.State)

	again, err := s.Fetch(h.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, readAll(t, again))
}

func TestDirectoryDeletionClearsReadOnly(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "artifact")
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page_1.png"), []byte("a"), 0o400))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "page_2.png"), []byte("b"), 0o400))
	require.NoError(t, os.Chmod(sub, 0o500))

	require.NoError(t, OSRemover{}.Remove(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, OSRemover{}.Remove(dir), "missing locations count as removed")
}

func TestEvictDeletesLiveArtifact(t *testing.T) {
	s, _ := newTestStore(t, nil)
	h, err := s.Register([]byte("unpaid"), Meta{})
	require.NoError(t, err)

	require.NoError(t, s.Evict(h.ID))
	got, _ := s.Get(h.ID)
	assert.Equal(t, StateGone, got.State)

	_, err = s.Fetch(h.ID)
	assert.ErrorIs(t, err, herrors.ErrGone)
	assert.ErrorIs(t, s.Evict("missing"), herrors.ErrNotFound)
}

func TestSweepPrunesOldTombstones(t *testing.T) {
	s, clk := newTestStore(t, nil)
	h, err := s.Register([]byte("x"), Meta{TTL: time.Minute})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	s.Sweep(clk.Now())
	_, ok := s.Get(h.ID)
	require.True(t, ok)

	clk.Advance(DefaultTombstoneRetention + time.Minute)
	s.Sweep(clk.Now())
	_, ok = s.Get(h.ID)
	assert.False(t, ok)

	_, err = s.Fetch(h.ID)
	assert.ErrorIs(t, err, herrors.ErrNotFound)
}

func TestCloseStopsPendingRetries(t *testing.T) {
	remover := &flakyRemover{}
	s, clk := newTestStore(t, remover)

	_, err := s.Register([]byte("locked"), Meta{TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	s.Sweep(clk.Now())
	require.Equal(t, 1, clk.Pending())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, clk.Pending())

	_, err = s.Register([]byte("late"), Meta{})
	assert.ErrorIs(t, err, herrors.ErrStorage)
}

func TestStats(t *testing.T) {
	s, clk := newTestStore(t, nil)
	_, err := s.Register([]byte("a"), Meta{TTL: time.Minute})
	require.NoError(t, err)
	_, err = s.Register([]byte("b"), Meta{TTL: time.Hour})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	s.Sweep(clk.Now())

	stats := s.Stats()
	assert.Equal(t, 1, stats[StateLive])
	assert.Equal(t, 1, stats[StateGone])
}
