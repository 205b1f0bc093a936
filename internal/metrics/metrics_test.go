package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.ReconcileCycles)
	assert.NotNil(t, m.ActionsTotal)
	assert.NotNil(t, m.CommandsTotal)
	assert.NotNil(t, m.ErrorsTotal)
	assert.NotNil(t, m.OpenIntents)
	assert.NotNil(t, m.PendingConfirmations)
}

func TestMetrics_RecordCycle(t *testing.T) {
	m := New()
	m.RecordCycle("ok")
	m.RecordCycle("ok")
	m.RecordCycle("error")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agent_reconcile_cycles_total{outcome="ok"} 2`)
	assert.Contains(t, body, `agent_reconcile_cycles_total{outcome="error"} 1`)
}

func TestMetrics_RecordAction(t *testing.T) {
	m := New()
	m.RecordAction("execute", "ok")
	m.RecordAction("send_reminder", "error")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agent_actions_total{action="execute",outcome="ok"} 1`)
	assert.Contains(t, body, `agent_actions_total{action="send_reminder",outcome="error"} 1`)
}

func TestMetrics_RecordError(t *testing.T) {
	m := New()
	m.RecordError("proxmox", "timeout")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `agent_errors_total{module="proxmox",type="timeout"} 1`)
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.OpenIntents.Set(4)
	m.PendingConfirmations.Set(2)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "agent_open_intents 4")
	assert.Contains(t, body, "agent_pending_confirmations 2")
}

func TestMetrics_ObserveCollaborator(t *testing.T) {
	m := New()
	m.ObserveCollaborator("calendar", "list_open", 0.25)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "agent_collaborator_duration_seconds")
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
