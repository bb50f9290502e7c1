// Package server loads configuration and runs the handwriting service with
// its background loops.
package server

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/handwrite/internal/ledger"
)

// Config holds all configuration for the service.
type Config struct {
	DataDir     string
	ArtifactDir string
	EnvFile     string
	BindAddress string
	Port        int

	LedgerBackend string
	LedgerDSN     string

	AdminKey            string
	StripeWebhookSecret string
	FreeMode            bool

	RendererURL   string // empty selects the placeholder renderer
	RenderTimeout time.Duration

	ArtifactTTL        time.Duration
	SweepInterval      time.Duration
	ReconcileInterval  time.Duration
	ReconcileThreshold time.Duration

	MaxConcurrentRenders int
	CPUThreshold         float64
	MaxTextLength        int

	AllowedOrigins []string
	TrustedProxies []string
	PublicMetrics  bool

	LogLevel  string
	LogFormat string
}

// LedgerDir is where the SQLite ledger keeps its database.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "ledger")
}

// LoadConfig loads configuration from environment variables. The file named
// by HW_ENV_FILE (default .env) is loaded first if present but not required;
// variables already set in the environment win.
func LoadConfig() (*Config, error) {
	envFile := envOrDefault("HW_ENV_FILE", ".env")
	_ = godotenv.Load(envFile)

	port, err := envOrDefaultInt("HW_PORT", 8080)
	if err != nil {
		return nil, err
	}
	maxRenders, err := envOrDefaultInt("HW_MAX_CONCURRENT_RENDERS", 4)
	if err != nil {
		return nil, err
	}
	maxText, err := envOrDefaultInt("HW_MAX_TEXT_LENGTH", 10000)
	if err != nil {
		return nil, err
	}
	cpuThreshold, err := envOrDefaultFloat("HW_CPU_THRESHOLD", 90)
	if err != nil {
		return nil, err
	}
	freeMode, err := envOrDefaultBool("HW_FREE_MODE", false)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("HW_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:              envOrDefault("HW_DATA_DIR", "./data"),
		EnvFile:              envFile,
		BindAddress:          envOrDefault("HW_BIND_ADDRESS", "0.0.0.0"),
		Port:                 port,
		LedgerBackend:        strings.ToLower(envOrDefault("HW_LEDGER_BACKEND", ledger.BackendSQLite)),
		LedgerDSN:            strings.TrimSpace(os.Getenv("HW_LEDGER_DSN")),
		AdminKey:             strings.TrimSpace(os.Getenv("HW_ADMIN_KEY")),
		StripeWebhookSecret:  strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		FreeMode:             freeMode,
		RendererURL:          strings.TrimSpace(os.Getenv("HW_RENDERER_URL")),
		MaxConcurrentRenders: maxRenders,
		CPUThreshold:         cpuThreshold,
		MaxTextLength:        maxText,
		AllowedOrigins:       splitList(os.Getenv("HW_ALLOWED_ORIGINS")),
		TrustedProxies:       splitList(os.Getenv("HW_TRUSTED_PROXIES")),
		PublicMetrics:        publicMetrics,
		LogLevel:             envOrDefault("HW_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("HW_LOG_FORMAT", "auto"),
	}
	cfg.ArtifactDir = envOrDefault("HW_ARTIFACT_DIR", filepath.Join(cfg.DataDir, "artifacts"))

	for _, d := range []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"HW_RENDER_TIMEOUT", &cfg.RenderTimeout, 60 * time.Second},
		{"HW_ARTIFACT_TTL", &cfg.ArtifactTTL, time.Hour},
		{"HW_SWEEP_INTERVAL", &cfg.SweepInterval, time.Minute},
		{"HW_RECONCILE_INTERVAL", &cfg.ReconcileInterval, time.Hour},
		{"HW_RECONCILE_THRESHOLD", &cfg.ReconcileThreshold, time.Hour},
	} {
		v, err := envOrDefaultDuration(d.key, d.fallback)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("HW_PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.LedgerBackend {
	case ledger.BackendMemory, ledger.BackendSQLite:
	case ledger.BackendMySQL, ledger.BackendPostgres:
		if c.LedgerDSN == "" {
			return fmt.Errorf("HW_LEDGER_DSN is required for the %s ledger", c.LedgerBackend)
		}
	default:
		return fmt.Errorf("HW_LEDGER_BACKEND must be one of memory, sqlite, mysql, postgres, got %q", c.LedgerBackend)
	}
	if c.MaxConcurrentRenders <= 0 {
		return fmt.Errorf("HW_MAX_CONCURRENT_RENDERS must be greater than 0, got %d", c.MaxConcurrentRenders)
	}
	if c.MaxTextLength <= 0 {
		return fmt.Errorf("HW_MAX_TEXT_LENGTH must be greater than 0, got %d", c.MaxTextLength)
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("HW_CPU_THRESHOLD must be between 0 and 100, got %g", c.CPUThreshold)
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("HW_TRUSTED_PROXIES entry %q is not an IP address or CIDR", p)
		}
	}
	if err := c.validateArtifactDir(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"HW_RENDER_TIMEOUT":      c.RenderTimeout,
		"HW_ARTIFACT_TTL":        c.ArtifactTTL,
		"HW_SWEEP_INTERVAL":      c.SweepInterval,
		"HW_RECONCILE_INTERVAL":  c.ReconcileInterval,
		"HW_RECONCILE_THRESHOLD": c.ReconcileThreshold,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// validateArtifactDir rejects an artifact directory that would hold the data
// dir, the ledger or the env file, since reconciliation owns its contents.
func (c *Config) validateArtifactDir() error {
	artifacts, err := filepath.Abs(c.ArtifactDir)
	if err != nil {
		return fmt.Errorf("resolve HW_ARTIFACT_DIR: %w", err)
	}
	guarded := []struct{ key, path string }{
		{"HW_DATA_DIR", c.DataDir},
		{"ledger dir", c.LedgerDir()},
	}
	if c.EnvFile != "" {
		guarded = append(guarded, struct{ key, path string }{"HW_ENV_FILE", c.EnvFile})
	}
	for _, g := range guarded {
		p, err := filepath.Abs(g.path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", g.key, err)
		}
		rel, err := filepath.Rel(artifacts, p)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return fmt.Errorf("HW_ARTIFACT_DIR %q must not contain %s %q", c.ArtifactDir, g.key, g.path)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return f, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return parseBool(key, v)
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func parseBool(key, v string) (bool, error) {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(v), "'\"")) {
	case "1", "true", "yes", "on":
		return true, nil
	case "", "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
