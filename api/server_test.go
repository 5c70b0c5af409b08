package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/api"
	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/orchestrator"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/internal/ws"
	"github.com/quantfleet/cascade/pkg/models"
)

type stubController struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	starts   int
	stops    int

	status orchestrator.Status
	stats  orchestrator.Stats
	health orchestrator.Health
}

func (s *stubController) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *stubController) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.stopErr
}

func (s *stubController) Status() orchestrator.Status { return s.status }
func (s *stubController) Stats() orchestrator.Stats   { return s.stats }
func (s *stubController) Health() orchestrator.Health { return s.health }

func setupRouter(ctrl api.Controller, store streams.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	srv := api.NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		logger,
		ctrl,
		store,
		ws.NewRegistry(logger),
	)
	return srv.Router()
}

func TestLivenessProbe(t *testing.T) {
	router := setupRouter(&stubController{}, streams.NewMemory(100, 0))
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := &stubController{status: orchestrator.Status{
		State:         orchestrator.StateRunning,
		Running:       true,
		UptimeSeconds: 42.5,
		AgentsRunning: 197,
		AgentsTotal:   198,
		HealthPct:     99.49,
	}}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp["state"])
	assert.Equal(t, true, resp["running"])
	assert.EqualValues(t, 197, resp["agents_running"])
	assert.EqualValues(t, 198, resp["agents_total"])
	assert.InDelta(t, 99.49, resp["health_pct"], 1e-9)
}

func TestStatsEndpoint(t *testing.T) {
	ctrl := &stubController{stats: orchestrator.Stats{
		State:            orchestrator.StateRunning,
		UptimeSeconds:    120,
		Flow:             orchestrator.Flow{Emitted: 200, Validated: 120, Approved: 60, Final: 40, Rejected: 170},
		ThroughputPerMin: 12.5,
		ApprovalRate:     0.2,
	}}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	flow, ok := resp["flow"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 200, flow["emitted"])
	assert.EqualValues(t, 40, flow["final"])
	assert.InDelta(t, 0.2, resp["approval_rate"], 1e-9)
	assert.InDelta(t, 12.5, resp["throughput_per_min"], 1e-9)
}

func TestHealthEndpointGrades(t *testing.T) {
	degraded := &stubController{health: orchestrator.Health{
		Status: orchestrator.HealthDegraded,
		Tiers: []orchestrator.TierHealth{
			{Tier: "scanners", Running: 140, Total: 167, Pct: 83.8, Status: orchestrator.HealthDegraded},
		},
	}}
	router := setupRouter(degraded, streams.NewMemory(100, 0))
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])

	critical := &stubController{health: orchestrator.Health{Status: orchestrator.HealthCritical}}
	router = setupRouter(critical, streams.NewMemory(100, 0))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSignalsEndpointReturnsNewestFirst(t *testing.T) {
	mem := streams.NewMemory(100, 0)
	for _, tc := range []struct {
		symbol string
		score  float64
	}{
		{"AAPL", 80},
		{"MSFT", 85},
		{"NVDA", 90},
	} {
		sig := models.NewSignal(tc.symbol, "authority_000", tc.score)
		fields, err := sig.Encode()
		require.NoError(t, err)
		_, err = mem.Publish(context.Background(), models.StreamFinal, fields)
		require.NoError(t, err)
	}
	router := setupRouter(&stubController{}, mem)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/signals?limit=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Signals []models.Signal `json:"signals"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "NVDA", resp.Signals[0].Symbol)
	assert.Equal(t, "MSFT", resp.Signals[1].Symbol)
}

func TestSignalsEndpointDefaultsWhenUnlimited(t *testing.T) {
	mem := streams.NewMemory(100, 0)
	sig := models.NewSignal("AAPL", "authority_000", 88)
	fields, err := sig.Encode()
	require.NoError(t, err)
	_, err = mem.Publish(context.Background(), models.StreamFinal, fields)
	require.NoError(t, err)
	router := setupRouter(&stubController{}, mem)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestSignalsEndpointRejectsBadLimit(t *testing.T) {
	router := setupRouter(&stubController{}, streams.NewMemory(100, 0))
	for _, raw := range []string{"abc", "-2", "0"} {
		req, _ := http.NewRequest(http.MethodGet, "/api/v1/signals?limit="+raw, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit %q", raw)
	}
}

func TestStartConflictMapsToConflictStatus(t *testing.T) {
	ctrl := &stubController{
		startErr: fmt.Errorf("cannot start while running: %w", orchestrator.ErrAlreadyRunning),
	}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/start", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "cannot start")
}

func TestStartAndStopSucceed(t *testing.T) {
	ctrl := &stubController{}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/start", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req, _ = http.NewRequest(http.MethodPost, "/api/v1/stop", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, 1, ctrl.starts)
	assert.Equal(t, 1, ctrl.stops)
}

func TestStopConflictMapsToConflictStatus(t *testing.T) {
	ctrl := &stubController{
		stopErr: fmt.Errorf("cannot stop while stopped: %w", orchestrator.ErrNotRunning),
	}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUnmappedErrorsReturnInternalStatus(t *testing.T) {
	ctrl := &stubController{startErr: errors.New("scanner pool wedged")}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/start", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	router := setupRouter(&stubController{}, streams.NewMemory(100, 0))
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cascade_ws_connections")
}

func TestWebSocketRouteServesStats(t *testing.T) {
	ctrl := &stubController{stats: orchestrator.Stats{
		State:        orchestrator.StateRunning,
		ApprovalRate: 0.25,
	}}
	router := setupRouter(ctrl, streams.NewMemory(100, 0))
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "stats"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "stats", evt.Type)
	assert.InDelta(t, 0.25, evt.Data["approval_rate"], 1e-9)
}
