// Package http wires the orchestrator's REST surface, built on Fiber.
package http

import (
	"context"
	"errors"
	"time"

	config "github.com/devgrid/agent-orchestrator/config/utils"
	"github.com/devgrid/agent-orchestrator/internal/adapter/monitoring/metrics"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

// RouterDeps carries everything the REST surface needs.
type RouterDeps struct {
	Manager    *service.TaskManager
	Registry   *service.AgentRegistry
	Ledger     *service.ResourceLedger
	Monitoring port.MonitoringService
	Metrics    *metrics.Metrics

	// RateLimitStore backs the submission rate limiter; nil falls back to
	// the in-memory store.
	RateLimitStore fiber.Storage

	// Health is polled by /health, typically a database ping.
	Health func(ctx context.Context) error

	Log *zap.Logger
}

// NewRouter builds the Fiber app with all routes and middleware attached.
func NewRouter(cfg *config.HTTP, deps RouterDeps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "agent-orchestrator",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(deps.Log),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(accessLog(deps.Log))

	tasks := &taskHandler{manager: deps.Manager, log: deps.Log}
	agents := &agentHandler{registry: deps.Registry, monitoring: deps.Monitoring, log: deps.Log}
	resources := &resourceHandler{manager: deps.Manager, ledger: deps.Ledger, log: deps.Log}

	execute := app.Group("")
	if cfg.RateLimit > 0 {
		execute.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: time.Minute,
			Storage:    deps.RateLimitStore,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "rate limit exceeded",
				})
			},
		}))
	}
	execute.Post("/execute", tasks.execute)

	app.Get("/tasks", tasks.list)
	app.Get("/tasks/:id", tasks.get)
	app.Delete("/tasks/:id", tasks.cancel)
	app.Get("/queue/status", resources.queueStatus)

	app.Get("/agents", agents.list)
	app.Get("/summary", agents.summary)

	app.Post("/allocate", resources.allocate)
	app.Delete("/allocate/:name", resources.release)
	app.Post("/rebalance", resources.rebalance)

	app.Get("/health", healthHandler(deps.Health))
	app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	return app
}

// accessLog logs one line per request at debug, errors at warn.
func accessLog(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			log.Warn("Request failed", append(fields, zap.Error(err))...)
			return err
		}
		log.Debug("Request served", fields...)
		return nil
	}
}

func healthHandler(check func(ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if check != nil {
			if err := check(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status":  "degraded",
					"service": "orchestrator",
					"error":   err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "orchestrator",
		})
	}
}

// errorHandler maps domain errors onto HTTP statuses; everything else is a
// 500 with the detail kept out of the response body.
func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
		}

		status := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrValidation):
			status = fiber.StatusBadRequest
		case errors.Is(err, domain.ErrNotFound):
			status = fiber.StatusNotFound
		case errors.Is(err, domain.ErrConflict):
			status = fiber.StatusConflict
		case errors.Is(err, domain.ErrResourceExhausted):
			status = fiber.StatusServiceUnavailable
		}

		if status == fiber.StatusInternalServerError {
			log.Error("Unhandled request error", zap.String("path", c.Path()), zap.Error(err))
			return c.Status(status).JSON(fiber.Map{"error": "internal error"})
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
}
