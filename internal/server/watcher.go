package server

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Runtime holds the settings that may change while the service runs.
type Runtime struct {
	freeMode atomic.Bool
	adminKey atomic.Value // string
}

// NewRuntime seeds a Runtime from the loaded configuration.
func NewRuntime(cfg *Config) *Runtime {
	rt := &Runtime{}
	rt.freeMode.Store(cfg.FreeMode)
	rt.adminKey.Store(cfg.AdminKey)
	return rt
}

// FreeMode reports whether generation currently bypasses entitlement checks.
func (rt *Runtime) FreeMode() bool { return rt.freeMode.Load() }

// AdminKey returns the current admin key, plain or bcrypt-hashed.
func (rt *Runtime) AdminKey() string {
	v, _ := rt.adminKey.Load().(string)
	return v
}

// EnvWatcher monitors the env file and applies HW_FREE_MODE and HW_ADMIN_KEY
// changes to a Runtime.
type EnvWatcher struct {
	runtime     *Runtime
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.Mutex

	debounce     time.Duration
	pollInterval time.Duration
}

// NewEnvWatcher creates a watcher for envPath.
func NewEnvWatcher(envPath string, rt *Runtime) (*EnvWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ew := &EnvWatcher{
		runtime:      rt,
		envPath:      envPath,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		debounce:     100 * time.Millisecond,
		pollInterval: 5 * time.Second,
	}
	if stat, err := os.Stat(envPath); err == nil {
		ew.lastModTime = stat.ModTime()
	}
	return ew, nil
}

// Start begins watching. The directory is watched rather than the file so
// that editors which replace the file are still seen.
func (ew *EnvWatcher) Start() {
	dir := filepath.Dir(ew.envPath)
	if err := ew.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch env directory, falling back to polling")
		go ew.pollForChanges()
		return
	}
	go ew.watchForChanges()
	log.Info().Str("env_path", ew.envPath).Msg("Started watching env file for changes")
}

// Stop stops the watcher. It is safe to call more than once.
func (ew *EnvWatcher) Stop() {
	ew.stopOnce.Do(func() {
		close(ew.stopChan)
		ew.watcher.Close()
	})
}

// Reload re-reads the env file immediately, e.g. on SIGHUP.
func (ew *EnvWatcher) Reload() {
	ew.reload()
}

func (ew *EnvWatcher) watchForChanges() {
	name := filepath.Base(ew.envPath)
	for {
		select {
		case event, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(ew.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected env file change")
			ew.reload()

		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Env watcher error")

		case <-ew.stopChan:
			return
		}
	}
}

func (ew *EnvWatcher) pollForChanges() {
	ticker := time.NewTicker(ew.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(ew.envPath)
			if err != nil {
				continue
			}
			ew.mu.Lock()
			changed := stat.ModTime().After(ew.lastModTime)
			if changed {
				ew.lastModTime = stat.ModTime()
			}
			ew.mu.Unlock()
			if changed {
				log.Info().Msg("Detected env file change via polling")
				ew.reload()
			}
		case <-ew.stopChan:
			return
		}
	}
}

func (ew *EnvWatcher) reload() {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	env, err := godotenv.Read(ew.envPath)
	if err != nil {
		log.Error().Err(err).Str("path", ew.envPath).Msg("Failed to read env file")
		return
	}

	var changes []string

	if raw, ok := env["HW_FREE_MODE"]; ok {
		free, err := parseBool("HW_FREE_MODE", raw)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid HW_FREE_MODE")
		} else if free != ew.runtime.FreeMode() {
			ew.runtime.freeMode.Store(free)
			if free {
				changes = append(changes, "free mode enabled")
			} else {
				changes = append(changes, "free mode disabled")
			}
		}
	}

	// A removed key leaves the current value in place; clearing the admin
	// key requires an explicit empty assignment.
	if raw, ok := env["HW_ADMIN_KEY"]; ok {
		key := strings.Trim(strings.TrimSpace(raw), "'\"")
		if key != ew.runtime.AdminKey() {
			ew.runtime.adminKey.Store(key)
			if key == "" {
				changes = append(changes, "admin key cleared")
			} else {
				changes = append(changes, "admin key updated")
			}
		}
	}

	if len(changes) > 0 {
		log.Info().Strs("changes", changes).Msg("Applied env file changes")
	} else {
		log.Debug().Msg("Env file reloaded, no runtime changes")
	}
}
