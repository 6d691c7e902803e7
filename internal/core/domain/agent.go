package domain

import "time"

type AgentStatus string

const (
	AgentStatusAvailable   AgentStatus = "available"
	AgentStatusBusy        AgentStatus = "busy"
	AgentStatusUnavailable AgentStatus = "unavailable"
)

// ResourceClass is an agent's declared CPU/memory requirement.
type ResourceClass struct {
	CPUs        float64 `json:"cpus"`         // cores
	MemoryBytes uint64  `json:"memory_bytes"` // bytes
}

// Agent describes one external worker identity independent of its transport.
// Agents are registered from static configuration at startup; only their
// status changes at runtime.
type Agent struct {
	Name          string        `json:"name"`
	Role          string        `json:"role"`
	Image         string        `json:"image"` // container image serving this identity
	Resources     ResourceClass `json:"resources"`
	Status        AgentStatus   `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitempty"`
}

// AgentMetrics is a live usage sample for one agent container.
type AgentMetrics struct {
	CPUUsage float64 `json:"cpu_usage"` // percent
	MemUsage float64 `json:"mem_usage"` // MB
}
