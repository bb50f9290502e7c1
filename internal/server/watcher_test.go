package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, content string, cfg *Config) (*EnvWatcher, string) {
	t.Helper()
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))
	ew, err := NewEnvWatcher(envPath, NewRuntime(cfg))
	require.NoError(t, err)
	t.Cleanup(ew.Stop)
	return ew, envPath
}

func TestRuntimeSeededFromConfig(t *testing.T) {
	rt := NewRuntime(&Config{FreeMode: true, AdminKey: "k"})
	assert.True(t, rt.FreeMode())
	assert.Equal(t, "k", rt.AdminKey())

	assert.Empty(t, NewRuntime(&Config{}).AdminKey())
}

func TestEnvWatcherReloadAppliesRuntimeSettings(t *testing.T) {
	ew, envPath := newTestWatcher(t, "HW_FREE_MODE=false\nHW_ADMIN_KEY=old\n", &Config{AdminKey: "old"})

	require.NoError(t, os.WriteFile(envPath, []byte("HW_FREE_MODE=true\nHW_ADMIN_KEY=\"new-key\"\nHW_PORT=1\n"), 0o600))
	ew.Reload()

	assert.True(t, ew.runtime.FreeMode())
	assert.Equal(t, "new-key", ew.runtime.AdminKey())
}

func TestEnvWatcherReloadKeepsValuesOnBadInput(t *testing.T) {
	ew, envPath := newTestWatcher(t, "", &Config{FreeMode: true, AdminKey: "keep"})

	// Invalid boolean and a missing admin key leave the current values.
	require.NoError(t, os.WriteFile(envPath, []byte("HW_FREE_MODE=perhaps\n"), 0o600))
	ew.Reload()
	assert.True(t, ew.runtime.FreeMode())
	assert.Equal(t, "keep", ew.runtime.AdminKey())

	// An explicit empty assignment clears the key.
	require.NoError(t, os.WriteFile(envPath, []byte("HW_ADMIN_KEY=\n"), 0o600))
	ew.Reload()
	assert.Empty(t, ew.runtime.AdminKey())
}

func TestEnvWatcherReloadMissingFile(t *testing.T) {
	ew, envPath := newTestWatcher(t, "HW_FREE_MODE=true\n", &Config{})
	require.NoError(t, os.Remove(envPath))

	ew.Reload()
	assert.False(t, ew.runtime.FreeMode())
}

func TestEnvWatcherDetectsFileWrites(t *testing.T) {
	ew, envPath := newTestWatcher(t, "HW_FREE_MODE=false\n", &Config{})
	ew.debounce = 10 * time.Millisecond
	ew.Start()

	require.NoError(t, os.WriteFile(envPath, []byte("HW_FREE_MODE=true\n"), 0o600))

	require.Eventually(t, ew.runtime.FreeMode, 5*time.Second, 20*time.Millisecond)
}

func TestEnvWatcherStopIsIdempotent(t *testing.T) {
	ew, _ := newTestWatcher(t, "", &Config{})
	ew.Start()
	ew.Stop()
	ew.Stop()
}
