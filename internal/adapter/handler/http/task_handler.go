package http

import (
	"fmt"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type taskHandler struct {
	manager *service.TaskManager
	log     *zap.Logger
}

type executeRequest struct {
	TaskType       string         `json:"task_type"`
	Mode           string         `json:"execution_mode"`
	Agents         []string       `json:"agents"`
	Payload        domain.Payload `json:"payload"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// execute accepts a task and returns 202 immediately; execution is picked up
// by the dispatch loop.
func (h *taskHandler) execute(c *fiber.Ctx) error {
	var req executeRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("parse body: %w", domain.ErrValidation)
	}

	task, err := h.manager.Submit(c.UserContext(), service.SubmitRequest{
		Type:           req.TaskType,
		Mode:           req.Mode,
		Agents:         req.Agents,
		Payload:        req.Payload,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (h *taskHandler) get(c *fiber.Ctx) error {
	task, err := h.manager.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}

func (h *taskHandler) list(c *fiber.Ctx) error {
	filter := port.TaskFilter{
		Limit: uint64(c.QueryInt("limit", 0)),
	}
	if s := c.Query("status"); s != "" {
		filter.Status = domain.TaskStatus(s)
	}

	tasks, err := h.manager.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	return c.JSON(fiber.Map{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// cancel stops a pending or running task. 404 for unknown ids, 409 when the
// task already reached a terminal state.
func (h *taskHandler) cancel(c *fiber.Ctx) error {
	task, err := h.manager.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}

