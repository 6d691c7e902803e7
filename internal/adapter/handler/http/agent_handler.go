package http

import (
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type agentHandler struct {
	registry   *service.AgentRegistry
	monitoring port.MonitoringService
	log        *zap.Logger
}

func (h *agentHandler) list(c *fiber.Ctx) error {
	agents := h.registry.Snapshot(c.UserContext())
	return c.JSON(fiber.Map{
		"agents": agents,
		"count":  len(agents),
	})
}

// summary is the operator dashboard view: agent statuses overlaid with the
// latest container usage samples. Metrics are best-effort; the summary still
// renders when the metrics backend is down.
func (h *agentHandler) summary(c *fiber.Ctx) error {
	agents := h.registry.Snapshot(c.UserContext())

	usage := map[string]any{}
	if h.monitoring != nil {
		all, err := h.monitoring.GetAllAgentMetrics(c.UserContext())
		if err != nil {
			h.log.Warn("Agent metrics unavailable for summary", zap.Error(err))
		}
		for name, m := range all {
			usage[name] = m
		}
	}

	return c.JSON(fiber.Map{
		"agents": agents,
		"usage":  usage,
	})
}
