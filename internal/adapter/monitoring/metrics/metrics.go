// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry so multiple instances
// can coexist in tests without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksFinished  *prometheus.CounterVec // label: status
	QueueDepth     *prometheus.GaugeVec   // label: state (pending|running)
	AgentBusy      *prometheus.GaugeVec   // label: agent
	Violations     *prometheus.CounterVec // label: type (memory|cpu|slots)

	LedgerMemoryUsed     prometheus.Gauge
	LedgerMemoryCapacity prometheus.Gauge
	LedgerCPUUsed        prometheus.Gauge
	LedgerCPUCapacity    prometheus.Gauge
}

// New builds a collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_submitted_total",
			Help: "Tasks accepted by the submission endpoint",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_finished_total",
			Help: "Tasks that reached a terminal state",
		}, []string{"status"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Tasks currently pending or running",
		}, []string{"state"}),
		AgentBusy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_agent_busy",
			Help: "Active reservations per agent",
		}, []string{"agent"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_resource_violations_total",
			Help: "Reservation rejections by exhausted dimension",
		}, []string{"type"}),
		LedgerMemoryUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_ledger_memory_used_bytes",
			Help: "Reserved memory",
		}),
		LedgerMemoryCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_ledger_memory_capacity_bytes",
			Help: "Configured memory budget",
		}),
		LedgerCPUUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_ledger_cpu_used_cores",
			Help: "Reserved CPU cores",
		}),
		LedgerCPUCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_ledger_cpu_capacity_cores",
			Help: "Configured CPU budget",
		}),
	}
}

// Handler serves the exposition endpoint for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
