package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	config "github.com/devgrid/agent-orchestrator/config/utils"
	"github.com/devgrid/agent-orchestrator/internal/adapter/monitoring/metrics"
	"github.com/devgrid/agent-orchestrator/internal/core/service"
	"github.com/devgrid/agent-orchestrator/internal/testutil"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testApp(t *testing.T, health func(ctx context.Context) error) *fiber.App {
	t.Helper()
	log := zap.NewNop()

	ledger, err := service.NewResourceLedger("8G", 8, 0, log)
	require.NoError(t, err)
	registry, err := service.NewAgentRegistry([]config.AgentConfig{
		{Name: "alpha", Role: "analysis", Image: "agents/alpha", CPUs: 1, Memory: "1G"},
		{Name: "beta", Role: "build", Image: "agents/beta", CPUs: 1, Memory: "1G"},
	}, testutil.NewStaticCoordinator(), log)
	require.NoError(t, err)

	manager := service.NewTaskManager(
		testutil.NewMemoryTaskRepo(), ledger, registry,
		&testutil.ScriptedInvoker{}, &testutil.RecordingSignaler{}, metrics.New(),
		service.ManagerConfig{Tick: time.Second, DefaultTimeout: time.Minute}, log)

	return NewRouter(&config.HTTP{Port: "8080"}, RouterDeps{
		Manager:  manager,
		Registry: registry,
		Ledger:   ledger,
		Metrics:  metrics.New(),
		Health:   health,
		Log:      log,
	})
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func submitTask(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, body := doJSON(t, app, http.MethodPost, "/execute", map[string]any{
		"task_type":      "analysis",
		"execution_mode": "parallel",
		"agents":         []string{"alpha", "beta"},
		"payload":        map[string]any{"goal": "demo"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, ok := body["task_id"].(string)
	require.True(t, ok)
	return id
}

func TestExecuteAccepted(t *testing.T) {
	app := testApp(t, nil)

	resp, body := doJSON(t, app, http.MethodPost, "/execute", map[string]any{
		"execution_mode": "parallel",
		"agents":         []string{"alpha"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Contains(t, body["task_id"], "task_")
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	app := testApp(t, nil)

	cases := []map[string]any{
		{"execution_mode": "warp", "agents": []string{"alpha"}},
		{"execution_mode": "parallel"},
		{"execution_mode": "parallel", "agents": []string{"ghost"}},
	}
	for i, body := range cases {
		resp, decoded := doJSON(t, app, http.MethodPost, "/execute", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %d", i)
		assert.NotEmpty(t, decoded["error"], "case %d", i)
	}
}

func TestGetTask(t *testing.T) {
	app := testApp(t, nil)
	id := submitTask(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "pending", body["status"])

	resp, _ = doJSON(t, app, http.MethodGet, "/tasks/task_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks(t *testing.T) {
	app := testApp(t, nil)
	submitTask(t, app)
	submitTask(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/tasks?status=pending", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = doJSON(t, app, http.MethodGet, "/tasks?status=completed", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}

func TestCancelTask(t *testing.T) {
	app := testApp(t, nil)
	id := submitTask(t, app)

	resp, body := doJSON(t, app, http.MethodDelete, "/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	// a second cancel is a conflict
	resp, _ = doJSON(t, app, http.MethodDelete, "/tasks/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodDelete, "/tasks/task_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueStatus(t *testing.T) {
	app := testApp(t, nil)
	submitTask(t, app)

	resp, body := doJSON(t, app, http.MethodGet, "/queue/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, float64(0), body["running"])
	require.Contains(t, body, "capacity")
}

func TestListAgents(t *testing.T) {
	app := testApp(t, nil)

	resp, body := doJSON(t, app, http.MethodGet, "/agents", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
}

func TestManualAllocationLifecycle(t *testing.T) {
	app := testApp(t, nil)

	resp, body := doJSON(t, app, http.MethodPost, "/allocate", map[string]any{
		"container_name":  "sidecar",
		"memory_required": "2G",
		"cpu_required":    1.0,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["approved"])

	// over capacity: 8G total, 2G held
	resp, body = doJSON(t, app, http.MethodPost, "/allocate", map[string]any{
		"container_name":  "whale",
		"memory_required": "7G",
		"cpu_required":    1.0,
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["approved"])
	assert.NotEmpty(t, body["reason"])

	resp, _ = doJSON(t, app, http.MethodDelete, "/allocate/sidecar", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodDelete, "/allocate/sidecar", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllocateRejectsBadBody(t *testing.T) {
	app := testApp(t, nil)

	resp, _ := doJSON(t, app, http.MethodPost, "/allocate", map[string]any{
		"memory_required": "2G",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/allocate", map[string]any{
		"container_name":  "x",
		"memory_required": "plenty",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRebalanceEmpty(t *testing.T) {
	app := testApp(t, nil)

	resp, body := doJSON(t, app, http.MethodPost, "/rebalance", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["preempted"])
	assert.Empty(t, body["released_allocations"])
}

func TestHealth(t *testing.T) {
	app := testApp(t, nil)
	resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "orchestrator", body["service"])

	degraded := testApp(t, func(context.Context) error { return errors.New("db gone") })
	resp, body = doJSON(t, degraded, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsExposition(t *testing.T) {
	app := testApp(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSummary(t *testing.T) {
	app := testApp(t, nil)

	resp, body := doJSON(t, app, http.MethodGet, "/summary", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "agents")
	require.Contains(t, body, "usage")
}
