package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	config "github.com/devgrid/agent-orchestrator/config/utils"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// staleAfter is how long after the last heartbeat an agent counts as gone.
const staleAfter = 45 * time.Second

// AgentRegistry is the static agent catalog, loaded once at startup, overlaid
// with live worker heartbeats from the coordinator and reservation state from
// the dispatch path. Agents are never created or destroyed at runtime.
type AgentRegistry struct {
	static      map[string]*domain.Agent
	coordinator port.AgentCoordinator
	log         *zap.Logger

	mu   sync.Mutex
	busy map[string]int // agent name -> active reservations
}

// NewAgentRegistry loads the catalog from configuration. Memory strings like
// "2G" are parsed up front so a bad catalog fails at startup, not dispatch.
func NewAgentRegistry(entries []config.AgentConfig, coordinator port.AgentCoordinator, log *zap.Logger) (*AgentRegistry, error) {
	static := make(map[string]*domain.Agent, len(entries))
	for _, e := range entries {
		memBytes, err := humanize.ParseBytes(e.Memory)
		if err != nil {
			return nil, fmt.Errorf("agent %s: parse memory %q: %w", e.Name, e.Memory, err)
		}
		static[e.Name] = &domain.Agent{
			Name:   e.Name,
			Role:   e.Role,
			Image:  e.Image,
			Status: domain.AgentStatusUnavailable,
			Resources: domain.ResourceClass{
				CPUs:        e.CPUs,
				MemoryBytes: memBytes,
			},
		}
	}

	return &AgentRegistry{
		static:      static,
		coordinator: coordinator,
		busy:        make(map[string]int),
		log:         log,
	}, nil
}

// Known reports whether every requested agent exists in the catalog; the first
// unknown name is returned for the validation error message.
func (r *AgentRegistry) Known(names []string) (string, bool) {
	for _, name := range names {
		if _, ok := r.static[name]; !ok {
			return name, false
		}
	}
	return "", true
}

// AllocationsFor converts a task's agent list into the ledger allocations its
// reservation needs, one per agent using that agent's resource class.
func (r *AgentRegistry) AllocationsFor(task *domain.Task) ([]domain.Allocation, error) {
	allocs := make([]domain.Allocation, 0, len(task.Agents))
	for _, name := range task.Agents {
		agent, ok := r.static[name]
		if !ok {
			return nil, fmt.Errorf("unknown agent %s: %w", name, domain.ErrValidation)
		}
		allocs = append(allocs, domain.Allocation{
			ContainerName: fmt.Sprintf("%s-%s", name, task.ID),
			MemoryBytes:   agent.Resources.MemoryBytes,
			CPUs:          agent.Resources.CPUs,
			Priority:      task.Priority,
		})
	}
	return allocs, nil
}

// MarkBusy records a reservation against each named agent.
func (r *AgentRegistry) MarkBusy(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.busy[name]++
	}
}

// MarkIdle drops one reservation per named agent. Safe to call more than once
// per reservation; the count never goes negative.
func (r *AgentRegistry) MarkIdle(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if r.busy[name] > 0 {
			r.busy[name]--
		}
	}
}

// BusyCounts returns the active reservation count for every catalog agent,
// including zeroes, so gauges reset when an agent goes idle.
func (r *AgentRegistry) BusyCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, len(r.static))
	for name := range r.static {
		counts[name] = r.busy[name]
	}
	return counts
}

// Snapshot returns the catalog with live status: busy while reserved by a
// running task, available while a fresh heartbeat exists, unavailable
// otherwise. Output is sorted by name for stable API responses.
func (r *AgentRegistry) Snapshot(ctx context.Context) []*domain.Agent {
	heartbeats := make(map[string]time.Time)
	if r.coordinator != nil {
		live, err := r.coordinator.LiveAgents(ctx)
		if err != nil {
			r.log.Warn("Failed to list live agents, statuses degrade to unavailable", zap.Error(err))
		}
		for _, a := range live {
			heartbeats[a.Name] = a.LastHeartbeat
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	agents := make([]*domain.Agent, 0, len(r.static))
	for _, a := range r.static {
		snap := *a
		if hb, ok := heartbeats[a.Name]; ok && now.Sub(hb) < staleAfter {
			snap.LastHeartbeat = hb
			snap.Status = domain.AgentStatusAvailable
		}
		if r.busy[a.Name] > 0 {
			snap.Status = domain.AgentStatusBusy
		}
		agents = append(agents, &snap)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}
