package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"castellan/config"
	"castellan/core"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	requireStatus(t, rec, http.StatusOK)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status, "no selectable instances")
	assert.True(t, resp.Components["state"])

	env.addInstance(t, "p-1")
	rec = env.do(t, http.MethodGet, "/health", nil)
	requireStatus(t, rec, http.StatusOK)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Selectable)

	require.NoError(t, env.store.Close())
	rec = env.do(t, http.MethodGet, "/health", nil)
	requireStatus(t, rec, http.StatusServiceUnavailable)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, rec).Status)
}

func TestMaintenanceWithoutRetention(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/maintenance", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.JSONEq(t, `{"jobs": []}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/queue", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/api/v1/queue", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/api/v1/instances/ghost", nil)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodOptions, "/api/v1/state/k", nil, "Origin", "https://console.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "If-Match")

	rec = env.do(t, http.MethodGet, "/api/v1/queue", nil, "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.API.RateLimit.RequestsPerSecond = 0.001
		c.API.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/queue", nil).Code)
	}
	rec := env.do(t, http.MethodGet, "/api/v1/queue", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimiterExemptions(t *testing.T) {
	l := newIPRateLimiter(0.001, 1, []string{"10.0.0.0/8", "192.168.1.7"})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.1.2.3"))
		assert.True(t, l.Allow("192.168.1.7"))
	}
	assert.True(t, l.Allow("172.16.0.1"))
	assert.False(t, l.Allow("172.16.0.1"))

	assert.Equal(t, 1, l.prune(0))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrKeyNotFound, http.StatusNotFound},
		{core.ValidationError("op", core.ErrInstanceNotFound), http.StatusNotFound},
		{core.FatalError("op", core.ErrClosed), http.StatusServiceUnavailable},
		{core.ValidationError("op", core.ErrInvalidEvent), http.StatusBadRequest},
		{core.ConflictError("op", core.ErrVersionConflict), http.StatusConflict},
		{core.CapacityError("op", core.ErrQueueFull), http.StatusServiceUnavailable},
		{core.TransientError("op", core.ErrInstanceUnreachable), http.StatusBadGateway},
		{core.ValidationError("op", core.ErrClaimNotFound), http.StatusNotFound},
		{core.ValidationError("op", core.ErrDeadLettered), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	msg := sanitizeErrorMessage("dial redis://user:pw@cache:6379 failed: password=hunter2")
	assert.NotContains(t, msg, "hunter2")
	assert.NotContains(t, msg, "cache:6379")
	assert.Contains(t, msg, "[CONNECTION]")

	assert.Len(t, sanitizeErrorMessage(strings.Repeat("x", 2000)), maxErrorMessageLength)
}

func TestHubDropsWithoutClients(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	go hub.Start()
	defer hub.Stop()

	assert.Equal(t, 0, hub.ClientCount())
	assert.False(t, hub.BroadcastMessage(TopicQueue, "enqueued", map[string]string{"k": "v"}))
}

func TestParseTopics(t *testing.T) {
	assert.Nil(t, parseTopics(""))
	assert.Nil(t, parseTopics(" , "))
	assert.Equal(t, map[string]bool{"queue": true, "state": true}, parseTopics("Queue, state"))
}

func dialStream(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.api.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return env.api.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// readUntil returns the first message whose type matches, skipping others
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestStreamDeliversQueueNotifications(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env, "?topics=queue")

	ev := core.NewLogEvent("sensor", "login")
	_, err := env.queue.Enqueue(context.Background(), ev, 3)
	require.NoError(t, err)

	msg := readUntil(t, conn, "queue:enqueued")
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, ev.ID, data["event_id"])
	assert.EqualValues(t, 3, data["priority"])
}

func TestStreamDeliversStateChanges(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env, "?topics=state")

	rec := env.do(t, http.MethodPut, "/api/v1/state/flag", `{"value": true}`)
	requireStatus(t, rec, http.StatusOK)

	msg := readUntil(t, conn, "state:set")
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "flag", data["key"])
	assert.EqualValues(t, 1, data["version"])
}
