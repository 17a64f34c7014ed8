package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"diffusion/internal/config"
	"diffusion/internal/engine"
	server "diffusion/internal/http"
	"diffusion/internal/jobs"
	"diffusion/internal/migrate"
	"diffusion/internal/services"
	"diffusion/internal/store"
	"diffusion/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Set up logger
	logger := newLogger(cfg.Log)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The audit store is optional; job state itself is never persisted.
	var (
		st     *store.Store
		events worker.EventRecorder
		purger jobs.EventPurger
	)
	if cfg.Database.DSN != "" {
		// Run migrations on a short-lived connection
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		s, err := store.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db failed: %v", err)
		}
		defer s.Close()
		st, events, purger = s, s, s
	}

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	reg := jobs.NewRegistry()

	// Workers get their own context so in-flight jobs are cancelled only
	// after the HTTP server has stopped.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	runner := jobs.NewRunner(workCtx, cfg.Worker.MaxConcurrentJobs, cfg.Worker.MaxQueuedJobs)

	svc := services.NewGenerationService(cfg, reg, runner, eng, events, logger)

	sched, err := jobs.StartRetention(rootCtx, cfg, reg, purger, logger)
	if err != nil {
		log.Fatalf("retention scheduler failed: %v", err)
	}

	s := server.NewServer(cfg, st, svc, logger)

	go func() {
		<-rootCtx.Done()
		logger.Info("shutdown_requested")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			logger.Warn("server_shutdown_failed", "error", err)
		}
	}()

	logger.Info("server_starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"engine", eng.Name(),
		"device", cfg.Engine.Device,
		"max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs,
		"audit_events", st != nil,
	)
	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}

	if sched != nil {
		<-sched.Stop().Done()
	}
	cancelWork()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Wait(waitCtx); err != nil {
		logger.Warn("workers_did_not_stop", "in_flight", runner.InFlight(), "error", err)
	}
	logger.Info("server_stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
