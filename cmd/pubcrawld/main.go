package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/pubcrawl/api"
	"github.com/use-agent/pubcrawl/api/handler"
	"github.com/use-agent/pubcrawl/cache"
	"github.com/use-agent/pubcrawl/capture"
	"github.com/use-agent/pubcrawl/config"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/metrics"
	"github.com/use-agent/pubcrawl/scraper"
	"github.com/use-agent/pubcrawl/session"
	"github.com/use-agent/pubcrawl/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("pubcrawld starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxSessions", cfg.Sessions.MaxConcurrent,
	)
	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		slog.Warn("auth enabled but PUBCRAWL_API_KEYS is empty; API is open")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── 3. Session runner (one browser per session) ─────────────────
	m := metrics.New()
	patterns := cache.New[*capture.Pattern](cfg.Sessions.PatternCacheEntries, time.Hour)
	go patterns.RunSweeper(ctx, 5*time.Minute)
	runner := session.NewRunner(
		scraper.NewLauncher(cfg.Browser),
		cfg.Sessions.MaxConcurrent,
		session.WithObserver(m),
		session.WithPatternCache(patterns),
	)

	// ── 4. Batch jobs and webhooks ──────────────────────────────────

	batches := handler.NewBatchStore(cfg.Sessions.JobTTL)
	go batches.RunJanitor(ctx, 5*time.Minute)
	notifier := webhook.NewNotifier(cfg.Webhook.Timeout, cfg.Webhook.RetryDelays)

	// ── 4b. Challenge memory ────────────────────────────────────────
	hosts := engine.NewHostMemory(cfg.Sessions.ChallengeMemory)
	go hosts.RunCleanup(ctx, time.Hour)

	// ── 5. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(cfg, api.Deps{
		Runner:   runner,
		Batches:  batches,
		Notifier: notifier,
		Hosts:    hosts,
		Registry: m.Registry(),
	})

	// ── 6. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 7. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Give in-flight requests 5 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	stop()
	slog.Info("pubcrawld stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
