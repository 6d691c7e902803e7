package domain

// Allocation is a capacity hold against the resource ledger, tied to the
// lifetime of its owner (a task or a manually registered container).
type Allocation struct {
	ContainerName string  `json:"container_name"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	CPUs          float64 `json:"cpus"`
	Priority      int     `json:"priority"`
}
