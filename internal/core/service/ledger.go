package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// manualOwnerPrefix marks ledger owners created through the manual allocation
// API rather than by task dispatch.
const manualOwnerPrefix = "container:"

// ManualOwner derives the ledger owner key for a manually allocated container.
func ManualOwner(name string) string {
	return manualOwnerPrefix + name
}

// ResourceLedger is the single admission-control point over the configured
// capacity budget. All capacity mutation goes through Reserve/Release under one
// mutex; nothing else reads or writes the counters.
type ResourceLedger struct {
	mu sync.Mutex

	maxMemory uint64  // bytes
	maxCPU    float64 // cores
	maxAgents int     // concurrently reserved allocations, 0 = unlimited

	usedMemory uint64
	usedCPU    float64

	held map[string][]domain.Allocation // owner -> active allocations

	log *zap.Logger
}

// LedgerSnapshot is a point-in-time view of the ledger for /summary and /queue.
type LedgerSnapshot struct {
	UsedMemory   uint64  `json:"used_memory_bytes"`
	MaxMemory    uint64  `json:"max_memory_bytes"`
	UsedCPU      float64 `json:"used_cpu"`
	MaxCPU       float64 `json:"max_cpu"`
	ActiveOwners int     `json:"active_owners"`
	HeldAgents   int     `json:"held_agents"`
}

// Holder pairs an owner with the aggregate weight of its allocations, used by
// the rebalance pass to pick preemption victims.
type Holder struct {
	Owner       string
	Priority    int // highest priority among the owner's allocations
	MemoryBytes uint64
	CPUs        float64
}

// NewResourceLedger builds a ledger from a memory budget string (e.g. "16G"),
// a CPU core budget and an optional cap on concurrently reserved agents.
func NewResourceLedger(maxMemory string, maxCPU float64, maxAgents int, log *zap.Logger) (*ResourceLedger, error) {
	memBytes, err := humanize.ParseBytes(maxMemory)
	if err != nil {
		return nil, fmt.Errorf("parse max memory %q: %w", maxMemory, err)
	}
	return &ResourceLedger{
		maxMemory: memBytes,
		maxCPU:    maxCPU,
		maxAgents: maxAgents,
		held:      make(map[string][]domain.Allocation),
		log:       log,
	}, nil
}

// Reserve applies a batch of allocations for owner, all-or-nothing: if any
// single allocation would push usage past the budget, none are applied and
// domain.ErrResourceExhausted is returned. Reserving again for an owner that
// already holds capacity is a conflict, not a top-up.
func (l *ResourceLedger) Reserve(owner string, allocs []domain.Allocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[owner]; ok {
		return fmt.Errorf("owner %s already holds a reservation: %w", owner, domain.ErrConflict)
	}

	var wantMem uint64
	var wantCPU float64
	for _, a := range allocs {
		wantMem += a.MemoryBytes
		wantCPU += a.CPUs
	}

	if l.usedMemory+wantMem > l.maxMemory {
		return fmt.Errorf("memory: need %s, free %s: %w",
			humanize.IBytes(wantMem), humanize.IBytes(l.maxMemory-l.usedMemory), domain.ErrResourceExhausted)
	}
	if l.usedCPU+wantCPU > l.maxCPU {
		return fmt.Errorf("cpu: need %.2f, free %.2f: %w",
			wantCPU, l.maxCPU-l.usedCPU, domain.ErrResourceExhausted)
	}
	if l.maxAgents > 0 && l.heldCountLocked()+len(allocs) > l.maxAgents {
		return fmt.Errorf("agent slots: need %d, free %d: %w",
			len(allocs), l.maxAgents-l.heldCountLocked(), domain.ErrResourceExhausted)
	}

	l.usedMemory += wantMem
	l.usedCPU += wantCPU
	l.held[owner] = allocs

	l.log.Debug("Reserved capacity",
		zap.String("owner", owner),
		zap.Int("allocations", len(allocs)),
		zap.Uint64("memory_bytes", wantMem),
		zap.Float64("cpus", wantCPU))
	return nil
}

// Release returns the owner's capacity. Idempotent: releasing an unknown or
// already-released owner is a no-op.
func (l *ResourceLedger) Release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	allocs, ok := l.held[owner]
	if !ok {
		return
	}
	delete(l.held, owner)

	for _, a := range allocs {
		l.usedMemory -= a.MemoryBytes
		l.usedCPU -= a.CPUs
	}

	l.log.Debug("Released capacity", zap.String("owner", owner), zap.Int("allocations", len(allocs)))
}

// Held reports whether owner currently holds any capacity.
func (l *ResourceLedger) Held(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[owner]
	return ok
}

// Fits reports whether a batch would be admitted right now, without applying it.
func (l *ResourceLedger) Fits(allocs []domain.Allocation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var wantMem uint64
	var wantCPU float64
	for _, a := range allocs {
		wantMem += a.MemoryBytes
		wantCPU += a.CPUs
	}
	if l.maxAgents > 0 && l.heldCountLocked()+len(allocs) > l.maxAgents {
		return false
	}
	return l.usedMemory+wantMem <= l.maxMemory && l.usedCPU+wantCPU <= l.maxCPU
}

// Snapshot returns the current usage counters.
func (l *ResourceLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LedgerSnapshot{
		UsedMemory:   l.usedMemory,
		MaxMemory:    l.maxMemory,
		UsedCPU:      l.usedCPU,
		MaxCPU:       l.maxCPU,
		ActiveOwners: len(l.held),
		HeldAgents:   l.heldCountLocked(),
	}
}

// Holders lists active owners sorted by ascending priority, the order in which
// a rebalance pass considers them for preemption.
func (l *ResourceLedger) Holders() []Holder {
	l.mu.Lock()
	defer l.mu.Unlock()

	holders := make([]Holder, 0, len(l.held))
	for owner, allocs := range l.held {
		h := Holder{Owner: owner}
		for _, a := range allocs {
			h.MemoryBytes += a.MemoryBytes
			h.CPUs += a.CPUs
			if a.Priority > h.Priority {
				h.Priority = a.Priority
			}
		}
		holders = append(holders, h)
	}

	sort.Slice(holders, func(i, j int) bool {
		if holders[i].Priority != holders[j].Priority {
			return holders[i].Priority < holders[j].Priority
		}
		return holders[i].Owner < holders[j].Owner
	})
	return holders
}

func (l *ResourceLedger) heldCountLocked() int {
	n := 0
	for _, allocs := range l.held {
		n += len(allocs)
	}
	return n
}
