package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-lms/internal/api"
	"github.com/p-n-ai/pai-lms/internal/catalog"
	"github.com/p-n-ai/pai-lms/internal/certificate"
	"github.com/p-n-ai/pai-lms/internal/course"
	"github.com/p-n-ai/pai-lms/internal/engine"
	"github.com/p-n-ai/pai-lms/internal/leaderboard"
	"github.com/p-n-ai/pai-lms/internal/notify"
	"github.com/p-n-ai/pai-lms/internal/outbox"
	"github.com/p-n-ai/pai-lms/internal/platform/cache"
	"github.com/p-n-ai/pai-lms/internal/platform/config"
	"github.com/p-n-ai/pai-lms/internal/platform/database"
	"github.com/p-n-ai/pai-lms/internal/progress"
	"github.com/p-n-ai/pai-lms/internal/quiz"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ecfg, checks, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Catalog.SeedPath != "" {
		docs, err := catalog.LoadDir(cfg.Catalog.SeedPath)
		if err != nil {
			return err
		}
		if err := catalog.Seed(ctx, ecfg.Catalog, ecfg.Quizzes, docs, cfg.Course.DefaultCompletionPoints); err != nil {
			return err
		}
	}

	hub := notify.NewHub()
	gateway := notify.NewGateway()
	stopEvents := wireEvents(ctx, cfg.Cache, gateway, hub, checks)
	defer stopEvents()

	if err := os.MkdirAll(cfg.Certificate.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	renderer, err := certificate.NewImageRenderer(cfg.Certificate.ArtifactDir, cfg.Certificate.PublicBaseURL, cfg.Certificate.FontPath)
	if err != nil {
		return err
	}

	ecfg.Verifier = certificate.NewVerifier(cfg.Certificate.VerificationSecret)
	ecfg.Renderer = renderer
	ecfg.Notifier = gateway
	ecfg.DefaultMaxAttempts = cfg.Quiz.DefaultMaxAttempts
	ecfg.OutboxBatchSize = cfg.Outbox.BatchSize
	ecfg.OutboxMaxAttempts = cfg.Outbox.MaxAttempts
	ecfg.OutboxConcurrency = cfg.Outbox.Concurrency
	eng := engine.New(ecfg)

	sched, err := newScheduler(ctx, cfg, eng)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewHandler(api.Config{
			Service:   eng,
			Events:    hub,
			Artifacts: http.FileServer(http.Dir(cfg.Certificate.ArtifactDir)),
			Checks:    checks,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// openStores returns engine stores for the configured backend, readiness
// checks for what it connected to, and a cleanup func.
func openStores(ctx context.Context, cfg *config.Config) (engine.Config, map[string]api.Check, func(), error) {
	checks := map[string]api.Check{}
	if !cfg.UsesPostgres() {
		slog.Warn("using in-memory stores; state is lost on restart")
		return engine.Config{
			Catalog:      catalog.NewMemoryStore(),
			Progress:     progress.NewMemoryStore(),
			Quizzes:      quiz.NewMemoryStore(),
			Enrollments:  course.NewMemoryStore(),
			Certificates: certificate.NewMemoryStore(),
			Leaderboard:  leaderboard.NewMemoryStore(),
			Outbox:       outbox.NewMemoryStore(),
		}, checks, func() {}, nil
	}

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return engine.Config{}, nil, nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(ctx, db.Pool); err != nil {
			db.Close()
			return engine.Config{}, nil, nil, err
		}
	}
	checks["database"] = db.HealthCheck

	pool := db.Pool
	return engine.Config{
		Catalog:      catalog.NewPostgresStore(pool),
		Progress:     progress.NewPostgresStore(pool),
		Quizzes:      quiz.NewPostgresStore(pool),
		Enrollments:  course.NewPostgresStore(pool),
		Certificates: certificate.NewPostgresStore(pool),
		Leaderboard:  leaderboard.NewPostgresStore(pool),
		Outbox:       outbox.NewPostgresStore(pool),
	}, checks, db.Close, nil
}

// wireEvents routes notifications to WebSocket clients. With a reachable
// cache, events travel through Redis pub/sub so every instance's hub sees
// them; otherwise they go straight to the local hub.
func wireEvents(ctx context.Context, cfg config.CacheConfig, gateway *notify.Gateway, hub *notify.Hub, checks map[string]api.Check) func() {
	if cfg.URL == "" {
		gateway.Register("websocket", hub)
		return func() {}
	}

	c, err := cache.New(ctx, cfg.URL)
	if err != nil {
		slog.Warn("cache unavailable, delivering events locally", "error", err)
		gateway.Register("websocket", hub)
		return func() {}
	}
	sub, err := c.Subscribe(ctx, cfg.EventsChannel)
	if err != nil {
		slog.Warn("event subscription failed, delivering events locally", "error", err)
		gateway.Register("websocket", hub)
		c.Close()
		return func() {}
	}

	checks["cache"] = c.HealthCheck
	gateway.Register("redis", notify.NewRedisPublisher(c, cfg.EventsChannel))
	go notify.Forward(ctx, sub.Channel(), hub)

	return func() {
		sub.Close()
		c.Close()
	}
}
