package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adwski/stateroom/backend/manager"
	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/model"
	"github.com/adwski/stateroom/backend/services/echo"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, strategy manager.Strategy) (*httptest.Server, *manager.Manager) {
	t.Helper()
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	mgr := manager.New(manager.Config{
		Logger:   &logger,
		Metrics:  metrics.New(reg),
		Factory:  echo.Factory(),
		Strategy: strategy,
	})
	srv := NewServer(Config{
		Logger:      &logger,
		RoomService: mgr,
		Gatherer:    reg,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		mgr.Shutdown()
	})
	return ts, mgr
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestServer_CreateRoom(t *testing.T) {
	tests := []struct {
		name     string
		strategy manager.Strategy
		body     string
		wantCode int
		wantID   string
	}{
		{name: "generated", strategy: manager.StrategyUUID, wantCode: http.StatusOK},
		{name: "chosen", strategy: manager.StrategyExplicit, body: `{"room_id":"abc"}`, wantCode: http.StatusOK, wantID: "abc"},
		{name: "chosen with uuid strategy", strategy: manager.StrategyUUID, body: `{"room_id":"abc"}`, wantCode: http.StatusBadRequest},
		{name: "bad json", strategy: manager.StrategyExplicit, body: `{`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, tt.strategy)
			code, b := do(t, http.MethodPost, ts.URL+"/api/room", tt.body)
			require.Equal(t, tt.wantCode, code, string(b))
			if code != http.StatusOK {
				return
			}
			var resp CreateResponse
			require.NoError(t, json.Unmarshal(b, &resp))
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, resp.RoomID)
			} else {
				_, err := uuid.Parse(resp.RoomID)
				assert.NoError(t, err)
			}
		})
	}
}

func TestServer_CreateRoomConflict(t *testing.T) {
	ts, _ := newTestServer(t, manager.StrategyExplicit)
	code, _ := do(t, http.MethodPost, ts.URL+"/api/room", `{"room_id":"dup"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodPost, ts.URL+"/api/room", `{"room_id":"dup"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestServer_RoomInfo(t *testing.T) {
	ts, mgr := newTestServer(t, manager.StrategyImplicit)

	code, _ := do(t, http.MethodGet, ts.URL+"/api/room/none", "")
	assert.Equal(t, http.StatusNotFound, code)

	_, err := mgr.OpenSession(context.Background(), "r", "", model.SenderFunc(func(model.MessageFromServer) {}))
	require.NoError(t, err)

	code, b := do(t, http.MethodGet, ts.URL+"/api/room/r", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"active_connections":1,"listening":true,"seconds_inactive":0}`, string(b))
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, manager.StrategyImplicit)

	code, b := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"OK"}`, string(b))

	_, _ = do(t, http.MethodPost, ts.URL+"/api/room", "")
	code, b = do(t, http.MethodGet, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(b), "stateroom_rooms_created_total 1")
}

func TestServer_CORS(t *testing.T) {
	ts, _ := newTestServer(t, manager.StrategyImplicit)
	code, _ := do(t, http.MethodOptions, ts.URL+"/api/room", "")
	assert.Equal(t, http.StatusNoContent, code)
}
