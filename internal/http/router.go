package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"diffusion/internal/config"
	"diffusion/internal/jobs"
	"diffusion/internal/metrics"
	"diffusion/internal/services"
	"diffusion/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	store  *store.Store
	redis  *redis.Client
	logger *slog.Logger
}

// NewServer builds the HTTP API. st may be nil when no database is
// configured; audit endpoints then report that events are disabled.
func NewServer(cfg *config.Config, st *store.Store, svc *services.GenerationService, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		// Request strings end up in long-lived job records.
		Immutable: true,
		BodyLimit: cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	app.Use(cors.New())

	// Inject config, store, and service into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", st)
		c.Locals("service", svc)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := routePath(c)

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			attrs := []any{
				"request_id", reqID,
				"method", method,
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds(),
			}
			if jobID := c.Locals("job_id"); jobID != nil {
				attrs = append(attrs, "job_id", jobID)
			}
			logger.Info("request", attrs...)
		}

		return err
	})

	// Redis client for rate limiting and health checks
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
		} else if logger != nil {
			logger.Warn("redis_url_invalid", "error", err)
		}
	}

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and Redis connectivity and report job counts.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if st != nil {
			if err := st.Ping(ctx); err != nil {
				dbStatus = "error"
			} else {
				dbStatus = "ok"
			}
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
			"engine": cfg.Engine.Name,
			"jobs":   statusCounts(svc.Counts()),
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		gauges := make(map[string]int64)
		for status, n := range svc.Counts() {
			gauges[fmt.Sprintf("diffusion_jobs_%s", status)] = int64(n)
		}
		c.Type("text/plain")
		return c.SendString(metrics.Export(gauges))
	})

	submitLimit := rateLimitMiddleware(cfg, rdb)

	app.Post("/start-generation", submitLimit, startGenerationHandler)
	app.Post("/generate", submitLimit, generateSyncHandler)
	app.Get("/generate-progress/:id", generationProgressHandler)
	app.Get("/get-image/:id", getImageHandler)

	app.Get("/jobs", jobsListHandler)
	app.Get("/jobs/:id", jobDetailHandler)
	app.Get("/jobs/:id/events", jobEventsHandler)

	registerWebUIRoutes(app)

	return &Server{
		app:    app,
		config: cfg,
		store:  st,
		redis:  rdb,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including open progress streams, until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return err
}

// routePath returns the matched route pattern so that metrics are not
// labelled with per-job ids.
func routePath(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" {
		return r.Path
	}
	return c.Path()
}

func statusCounts(counts map[jobs.Status]int) map[string]int {
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}
