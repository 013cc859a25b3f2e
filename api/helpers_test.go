package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"castellan/balancer"
	"castellan/config"
	"castellan/core"
	"castellan/correlation"
	"castellan/dispatch"
	"castellan/queue"
	"castellan/registry"
	"castellan/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTransport struct {
	mu       sync.Mutex
	commands []core.InstanceCommand
	fail     map[string]bool
}

func (f *fakeTransport) SendCommand(ctx context.Context, inst *core.PipelineInstance, cmd core.InstanceCommand) (core.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.fail[inst.ID] {
		return core.CommandResponse{InstanceID: inst.ID, CommandID: cmd.ID, Error: "refused"}, nil
	}
	return core.CommandResponse{InstanceID: inst.ID, CommandID: cmd.ID, Success: true}, nil
}

func (f *fakeTransport) Claim(ctx context.Context, inst *core.PipelineInstance, req core.ClaimRequest) (core.ClaimResponse, error) {
	return core.ClaimResponse{ClaimToken: req.ClaimToken, Accepted: true}, nil
}

func (f *fakeTransport) CheckHealth(ctx context.Context, inst *core.PipelineInstance) (core.HealthCheckResult, error) {
	return core.HealthCheckResult{Status: core.HealthHealthy}, nil
}

type testEnv struct {
	api       *API
	cfg       *config.Config
	queue     *queue.EventQueue
	registry  *registry.Registry
	balancer  *balancer.Balancer
	engine    *correlation.Engine
	store     *state.MemoryStore
	transport *fakeTransport
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	cfg := &config.Config{}
	cfg.API.MaxBodyBytes = 1 << 20
	cfg.API.AllowedOrigins = []string{"https://console.example"}
	for _, m := range mutate {
		m(cfg)
	}

	env := &testEnv{
		cfg:       cfg,
		queue:     queue.New(queue.Config{Capacity: 100}, nil, logger),
		store:     state.NewMemoryStore(state.MemoryConfig{InstanceID: "coordinator"}, nil, logger),
		transport: &fakeTransport{fail: map[string]bool{}},
	}
	env.registry = registry.New(registry.Config{CommandRateLimit: 1000, CommandBurst: 100, UnhealthyThreshold: 1}, env.transport, logger)
	b, err := balancer.New(balancer.Config{Strategy: balancer.StrategyRoundRobin}, logger)
	require.NoError(t, err)
	env.balancer = b
	env.engine, err = correlation.NewEngine(correlation.Config{InstanceID: "coordinator"}, env.store, logger)
	require.NoError(t, err)
	d := dispatch.New(dispatch.Config{InstanceID: "coordinator"}, env.queue, env.registry, env.balancer, env.store, logger)

	env.api, err = NewAPI(Components{
		Queue:      env.queue,
		Registry:   env.registry,
		Balancer:   env.balancer,
		Engine:     env.engine,
		Dispatcher: d,
		State:      env.store,
		Gatherer:   prometheus.NewRegistry(),
	}, cfg, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = env.api.Stop(context.Background())
		d.Stop()
		env.engine.Close()
		env.balancer.Close()
		env.registry.Close()
		env.queue.Close()
		_ = env.store.Close()
	})
	return env
}

// do sends a request through the router. A string body is sent verbatim;
// anything else is JSON encoded.
func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

// addInstance registers id and heartbeats it so it is selectable
func (e *testEnv) addInstance(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.registry.RegisterInstance(ctx, &core.PipelineInstance{ID: id, Address: "http://" + id + ":8080", Capacity: 10}))
	require.NoError(t, e.registry.Heartbeat(ctx, id, core.InstancePerformanceMetrics{}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
}
