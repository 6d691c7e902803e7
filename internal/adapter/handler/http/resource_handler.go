package http

import (
	"errors"
	"fmt"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// resourceHandler exposes the ledger's manual allocation API and the explicit
// rebalance trigger.
type resourceHandler struct {
	manager *service.TaskManager
	ledger  *service.ResourceLedger
	log     *zap.Logger
}

type allocateRequest struct {
	ContainerName string  `json:"container_name"`
	Memory        string  `json:"memory_required"` // e.g. "2G"
	CPUs          float64 `json:"cpu_required"`
	Priority      int     `json:"priority"`
}

// allocate reserves capacity for a container outside task dispatch, e.g. a
// long-lived sidecar. 503 when the budget cannot fit it.
func (h *resourceHandler) allocate(c *fiber.Ctx) error {
	var req allocateRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("parse body: %w", domain.ErrValidation)
	}
	if req.ContainerName == "" {
		return fmt.Errorf("container_name is required: %w", domain.ErrValidation)
	}

	memBytes, err := humanize.ParseBytes(req.Memory)
	if err != nil {
		return fmt.Errorf("parse memory %q: %w", req.Memory, domain.ErrValidation)
	}

	owner := service.ManualOwner(req.ContainerName)
	err = h.ledger.Reserve(owner, []domain.Allocation{{
		ContainerName: req.ContainerName,
		MemoryBytes:   memBytes,
		CPUs:          req.CPUs,
		Priority:      req.Priority,
	}})
	if errors.Is(err, domain.ErrResourceExhausted) || errors.Is(err, domain.ErrConflict) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"approved": false,
			"reason":   err.Error(),
		})
	}
	if err != nil {
		return err
	}

	h.log.Info("Manual allocation reserved",
		zap.String("container", req.ContainerName),
		zap.String("memory", req.Memory),
		zap.Float64("cpus", req.CPUs))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"approved": true,
		"capacity": h.ledger.Snapshot(),
	})
}

func (h *resourceHandler) release(c *fiber.Ctx) error {
	owner := service.ManualOwner(c.Params("name"))
	if !h.ledger.Held(owner) {
		return domain.ErrNotFound
	}
	h.ledger.Release(owner)
	return c.SendStatus(fiber.StatusNoContent)
}

// rebalance triggers one preemption pass. Preemption never happens
// implicitly; this endpoint is the only trigger.
func (h *resourceHandler) rebalance(c *fiber.Ctx) error {
	preempted, released, err := h.manager.Rebalance(c.UserContext())
	if err != nil {
		return err
	}
	if preempted == nil {
		preempted = []string{}
	}
	if released == nil {
		released = []string{}
	}
	return c.JSON(fiber.Map{
		"preempted":            preempted,
		"released_allocations": released,
	})
}

// queueStatus reports queue depth alongside the capacity ledger.
func (h *resourceHandler) queueStatus(c *fiber.Ctx) error {
	status := h.manager.QueueCounts()
	return c.JSON(fiber.Map{
		"pending":  status.Pending,
		"running":  status.Running,
		"capacity": h.ledger.Snapshot(),
	})
}
