// Package mgmt serves the management API: probes, Prometheus metrics and
// read-only views of the deletion schedule and outstanding confirmations.
package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/p-blackswan/proxmox-agent/internal/confirm"
	"github.com/p-blackswan/proxmox-agent/internal/health"
	"github.com/p-blackswan/proxmox-agent/internal/intent"
	"github.com/p-blackswan/proxmox-agent/internal/metrics"
	"github.com/p-blackswan/proxmox-agent/internal/requestid"
)

// ScheduleReader exposes the open deletion schedule.
type ScheduleReader interface {
	ListOpen(ctx context.Context) ([]intent.Intent, error)
}

// Config holds server settings. An empty APIKey disables authentication.
type Config struct {
	ListenAddr string
	APIKey     string
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger zerolog.Logger
}

// NewServer creates and configures the management API server.
func NewServer(cfg Config, store ScheduleReader, confirms *confirm.Registry,
	checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		cfg:    cfg,
		logger: logger.With().Str("component", "mgmt").Logger(),
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	app.Use(authMiddleware(cfg.APIKey, s.logger))

	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		// Probes and scrapes are too noisy to audit.
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("mgmt api request")
		return c.Next()
	})

	h := &handlers{store: store, confirms: confirms, checker: checker}

	app.Get("/healthz", h.liveness)
	app.Get("/readyz", h.readiness)

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(m.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	v1 := app.Group("/api/v1")
	v1.Get("/deletions", h.listDeletions)
	v1.Get("/confirmations", h.listConfirmations)

	return s
}

// Start starts the server. Blocks until Shutdown.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// App returns the underlying Fiber app, for testing.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}
		return c.Status(code).JSON(fiber.Map{"error": detail})
	}
}
