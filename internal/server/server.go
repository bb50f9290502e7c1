package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/handwrite/internal/api"
	"github.com/rcourtman/handwrite/internal/artifact"
	"github.com/rcourtman/handwrite/internal/clock"
	"github.com/rcourtman/handwrite/internal/hostmetrics"
	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/logging"
	"github.com/rcourtman/handwrite/internal/orchestrator"
	"github.com/rcourtman/handwrite/internal/payment"
	"github.com/rcourtman/handwrite/internal/render"
)

const (
	shutdownTimeout     = 30 * time.Second
	hostSampleInterval  = 5 * time.Second
	limiterPruneEvery   = 5 * time.Minute
	readinessRetryDelay = time.Second
)

// App is a fully wired service instance.
type App struct {
	Config  *Config
	Runtime *Runtime
	Ledger  ledger.Ledger
	Store   *artifact.Store
	Handler http.Handler

	reconciler *artifact.Reconciler
	sweeper    *artifact.Sweeper
	sampler    *hostmetrics.Sampler
	limiters   []*api.RateLimiter
}

// New opens the ledger and artifact store and wires the HTTP handler.
func New(ctx context.Context, cfg *Config, version string) (*App, error) {
	clk := clock.New()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	l, err := ledger.Open(ctx, ledger.Options{
		Backend: cfg.LedgerBackend,
		DSN:     cfg.LedgerDSN,
		Dir:     cfg.LedgerDir(),
		Clock:   clk,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	store, err := artifact.NewStore(artifact.Options{
		Root:               cfg.ArtifactDir,
		TTL:                cfg.ArtifactTTL,
		ReconcileThreshold: cfg.ReconcileThreshold,
		Clock:              clk,
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	var renderer render.Renderer
	if cfg.RendererURL != "" {
		renderer = render.NewHTTPRenderer(cfg.RendererURL, cfg.RenderTimeout)
		log.Info().Str("url", cfg.RendererURL).Msg("Using remote handwriting renderer")
	} else {
		renderer = render.NewPlaceholderRenderer()
		log.Warn().Msg("HW_RENDERER_URL not set, using placeholder renderer")
	}

	rt := NewRuntime(cfg)
	sampler := hostmetrics.NewSampler(hostSampleInterval)
	admission := orchestrator.NewAdmission(orchestrator.AdmissionOptions{
		MaxConcurrent: int64(cfg.MaxConcurrentRenders),
		CPUThreshold:  cfg.CPUThreshold,
		CPU:           sampler,
	})
	orch := orchestrator.New(orchestrator.Options{
		Ledger:        l,
		Store:         store,
		Renderer:      renderer,
		Admission:     admission,
		Clock:         clk,
		MaxTextLength: cfg.MaxTextLength,
		FreeMode:      rt.FreeMode,
	})
	reconciler := artifact.NewReconciler(store, cfg.ReconcileInterval)

	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		store.Close()
		l.Close()
		return nil, err
	}

	deps := api.Deps{
		Ledger:         l,
		Store:          store,
		Reconciler:     reconciler,
		Orchestrator:   orch,
		Payments:       payment.NewService(l, clk),
		Host:           sampler,
		Clock:          clk,
		WebhookSecret:  cfg.StripeWebhookSecret,
		AdminKey:       rt.AdminKey,
		FreeMode:       rt.FreeMode,
		AllowedOrigins: cfg.AllowedOrigins,
		PublicMetrics:  cfg.PublicMetrics,
		Version:        version,
		Proxies:        proxies,
	}
	deps.GenerateLimiter = api.NewRateLimiter("generate", 100, 5*time.Minute)
	deps.PreviewLimiter = api.NewRateLimiter("preview", 200, 5*time.Minute)
	deps.WebhookLimiter = api.NewRateLimiter("webhook", 120, time.Minute)

	if cfg.AdminKey == "" {
		log.Warn().Msg("HW_ADMIN_KEY not set, admin endpoints are disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, payment webhook is disabled")
	}

	return &App{
		Config:     cfg,
		Runtime:    rt,
		Ledger:     l,
		Store:      store,
		Handler:    api.NewRouter(deps),
		reconciler: reconciler,
		sweeper:    artifact.NewSweeper(store, cfg.SweepInterval),
		sampler:    sampler,
		limiters:   []*api.RateLimiter{deps.GenerateLimiter, deps.PreviewLimiter, deps.WebhookLimiter},
	}, nil
}

// Close releases the ledger and the artifact store.
func (a *App) Close() error {
	return errors.Join(a.Store.Close(), a.Ledger.Close())
}

// Serve runs the HTTP server and the background loops until ctx is
// cancelled, then shuts the server down gracefully.
func (a *App) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(a.Config.BindAddress, strconv.Itoa(a.Config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { a.sampler.Run(ctx); return nil })
	g.Go(func() error { a.sweeper.Run(ctx); return nil })
	g.Go(func() error { a.reconciler.Run(ctx); return nil })
	g.Go(func() error { a.pruneLimiters(ctx); return nil })

	if a.Config.EnvFile != "" {
		if _, err := os.Stat(a.Config.EnvFile); err == nil {
			watcher, err := NewEnvWatcher(a.Config.EnvFile, a.Runtime)
			if err != nil {
				log.Warn().Err(err).Msg("Env watcher unavailable, runtime settings will not reload")
			} else {
				watcher.Start()
				g.Go(func() error { a.handleSignals(ctx, watcher); return nil })
			}
		}
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Handwriting service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	return g.Wait()
}

// handleSignals reloads the env file on SIGHUP until ctx is done.
func (a *App) handleSignals(ctx context.Context, watcher *EnvWatcher) {
	defer watcher.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msg("Received SIGHUP, reloading env file")
			watcher.Reload()
		}
	}
}

func (a *App) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rl := range a.limiters {
				rl.Prune()
			}
		}
	}
}

// Run loads configuration, starts the service and blocks until ctx is
// cancelled or SIGINT/SIGTERM is received.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "handwrite",
	})
	log.Info().
		Str("version", version).
		Str("ledger", cfg.LedgerBackend).
		Bool("free_mode", cfg.FreeMode).
		Msg("Starting handwriting service")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close service resources")
		}
	}()

	if err := waitForLedger(ctx, app.Ledger); err != nil {
		return err
	}

	if err := app.Serve(ctx); err != nil {
		return err
	}
	log.Info().Msg("Handwriting service stopped")
	return nil
}

// waitForLedger retries Ping with a growing delay until the ledger answers.
func waitForLedger(ctx context.Context, l ledger.Ledger) error {
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := l.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= 10 {
			return fmt.Errorf("ledger not reachable: %w", err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Ledger not ready, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * readinessRetryDelay):
		}
	}
}
