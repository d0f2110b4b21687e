package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	checker = &healthState{
		components: make(map[string]componentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponentRecordsHealth(t *testing.T) {
	resetHealth()

	RegisterComponent("stab", true, "running")

	comp, ok := checker.components["stab"]
	require.True(t, ok, "stab not registered")
	assert.True(t, comp.healthy, "stab should be healthy")
	assert.Equal(t, "running", comp.message)
}

func TestRegisterComponentOverwritesPriorRecord(t *testing.T) {
	resetHealth()

	RegisterComponent("stab", true, "ok")
	RegisterComponent("stab", false, "namespace stuck")

	comp := checker.components["stab"]
	assert.False(t, comp.healthy, "stab should be unhealthy after re-registration")
	assert.Equal(t, "namespace stuck", comp.message)
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetHealth()
	checker.version = "1.0.0"

	RegisterComponent("scheduler", true, "")
	RegisterComponent("stab", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)
}

func TestGetHealthOneUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("scheduler", true, "")
	RegisterComponent("stab", false, "namespace stuck")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: namespace stuck", health.Components["stab"])
}

func TestGetReadinessAllReady(t *testing.T) {
	resetHealth()

	RegisterComponent("scheduler", true, "")
	RegisterComponent("stab", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestGetReadinessMissingCriticalComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("stab", true, "")
	// scheduler never registered

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message, "expected a message explaining why not ready")
}

func TestGetReadinessCriticalComponentUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("scheduler", false, "worker pool not started")
	RegisterComponent("stab", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestHealthHandlerHealthy(t *testing.T) {
	resetHealth()
	checker.version = "test"
	RegisterComponent("scheduler", true, "")
	RegisterComponent("stab", true, "")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	resetHealth()
	RegisterComponent("scheduler", false, "broken")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandlerReady(t *testing.T) {
	resetHealth()
	RegisterComponent("scheduler", true, "")
	RegisterComponent("stab", true, "")

	req := httptest.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyHandlerNotReady(t *testing.T) {
	resetHealth()
	RegisterComponent("stab", true, "")
	// scheduler never registered

	req := httptest.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestLivenessHandlerAlwaysAlive(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest("GET", "/livez", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
