package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castellan/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eventRecorder collects InstanceEvents delivered by the registry
type eventRecorder struct {
	mu     sync.Mutex
	events []InstanceEvent
}

func (r *eventRecorder) record(ev InstanceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t EventType) []InstanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []InstanceEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, cfg Config, transport CommandTransport, clock *fakeClock) (*Registry, *eventRecorder) {
	t.Helper()
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	r := New(cfg, transport, zaptest.NewLogger(t).Sugar(), opts...)
	t.Cleanup(r.Close)
	rec := &eventRecorder{}
	r.Subscribe(rec.record)
	return r, rec
}

func testInstance(id string) *core.PipelineInstance {
	return &core.PipelineInstance{
		ID:       id,
		Address:  "http://" + id + ":8080",
		Capacity: 100,
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, events := newTestRegistry(t, Config{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))
	update := testInstance("x")
	update.Capacity = 250
	require.NoError(t, r.RegisterInstance(ctx, update))

	instances := r.GetInstances(false)
	require.Len(t, instances, 1)
	assert.Equal(t, 250, instances[0].Capacity)
	assert.Equal(t, core.HealthUnknown, instances[0].Status)

	require.Eventually(t, func() bool { return len(events.ofType(InstanceAdded)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, events.ofType(InstanceAdded), 1)
}

func TestRegisterRejectsInvalidInstance(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, nil, nil)
	err := r.RegisterInstance(context.Background(), &core.PipelineInstance{ID: "no-address"})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r, events := newTestRegistry(t, Config{}, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))

	removed, err := r.UnregisterInstance(ctx, "x")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.UnregisterInstance(ctx, "x")
	require.NoError(t, err)
	assert.False(t, removed)

	require.Eventually(t, func() bool { return len(events.ofType(InstanceRemoved)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.GetInstances(false))
}

func TestGetInstancesReturnsSnapshots(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, nil, nil)
	ctx := context.Background()
	inst := testInstance("x")
	inst.Tags = map[string]string{"zone": "a"}
	require.NoError(t, r.RegisterInstance(ctx, inst))

	snap := r.GetInstances(false)
	snap[0].Tags["zone"] = "mutated"
	snap[0].Status = core.HealthHealthy

	again, err := r.GetInstance("x")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Tags["zone"])
	assert.Equal(t, core.HealthUnknown, again.Status)

	_, err = r.GetInstance("missing")
	assert.True(t, errors.Is(err, core.ErrInstanceNotFound))
}

func TestHeartbeatMakesUnknownHealthy(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))
	assert.Empty(t, r.GetInstances(true))

	require.NoError(t, r.Heartbeat(ctx, "x", core.InstancePerformanceMetrics{ActiveConnections: 7}))

	selectable := r.GetInstances(true)
	require.Len(t, selectable, 1)
	assert.Equal(t, core.HealthHealthy, selectable[0].Status)
	assert.Equal(t, 7, selectable[0].Metrics.ActiveConnections)
	assert.False(t, selectable[0].Metrics.ReportedAt.IsZero())

	err := r.Heartbeat(ctx, "missing", core.InstancePerformanceMetrics{})
	assert.True(t, errors.Is(err, core.ErrInstanceNotFound))
}

func TestMissedHealthChecksScenario(t *testing.T) {
	clock := newFakeClock()
	r, events := newTestRegistry(t, Config{
		HeartbeatTimeout:   30 * time.Second,
		UnhealthyThreshold: 3,
	}, nil, clock)
	ctx := context.Background()

	require.NoError(t, r.RegisterInstance(ctx, testInstance("X")))
	require.NoError(t, r.Heartbeat(ctx, "X", core.InstancePerformanceMetrics{}))

	statusOf := func() core.HealthStatus {
		inst, err := r.GetInstance("X")
		require.NoError(t, err)
		return inst.Status
	}
	require.Equal(t, core.HealthHealthy, statusOf())

	clock.Advance(31 * time.Second)
	r.RunHealthChecks(ctx)
	assert.Equal(t, core.HealthDegraded, statusOf())
	assert.Len(t, r.GetInstances(true), 1, "degraded instances stay selectable")

	r.RunHealthChecks(ctx)
	assert.Equal(t, core.HealthDegraded, statusOf())

	r.RunHealthChecks(ctx)
	assert.Equal(t, core.HealthUnhealthy, statusOf())
	assert.Empty(t, r.GetInstances(true))

	require.NoError(t, r.UpdateInstanceHealth(ctx, "X", core.HealthCheckResult{Status: core.HealthHealthy}))
	assert.Equal(t, core.HealthHealthy, statusOf())
	assert.Len(t, r.GetInstances(true), 1)

	require.Eventually(t, func() bool {
		return len(events.ofType(InstanceStatusChanged)) == 4
	}, time.Second, 5*time.Millisecond)
	changes := events.ofType(InstanceStatusChanged)
	got := make([]core.HealthStatus, len(changes))
	for i, ev := range changes {
		got[i] = ev.NewStatus
	}
	assert.Equal(t, []core.HealthStatus{
		core.HealthHealthy,
		core.HealthDegraded,
		core.HealthUnhealthy,
		core.HealthHealthy,
	}, got)
	assert.Equal(t, ReasonHeartbeatTimeout, changes[1].Reason)
}

func TestHeartbeatRestoresAfterLapse(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(t, Config{HeartbeatTimeout: 10 * time.Second}, nil, clock)
	ctx := context.Background()

	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))
	require.NoError(t, r.Heartbeat(ctx, "x", core.InstancePerformanceMetrics{}))
	clock.Advance(11 * time.Second)
	r.RunHealthChecks(ctx)

	inst, err := r.GetInstance("x")
	require.NoError(t, err)
	require.Equal(t, core.HealthDegraded, inst.Status)

	require.NoError(t, r.Heartbeat(ctx, "x", core.InstancePerformanceMetrics{}))
	inst, err = r.GetInstance("x")
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, inst.Status)
	assert.Equal(t, 0, inst.ConsecutiveFailures)
}

func TestFailedCheckResultsIncrementFailures(t *testing.T) {
	r, _ := newTestRegistry(t, Config{UnhealthyThreshold: 2}, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))

	require.NoError(t, r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: core.HealthDegraded, Description: "slow vector store"}))
	inst, _ := r.GetInstance("x")
	assert.Equal(t, core.HealthDegraded, inst.Status)
	assert.Equal(t, 0, inst.ConsecutiveFailures)
	require.NotNil(t, inst.LastHealthCheck)
	assert.Equal(t, "slow vector store", inst.LastHealthCheck.Description)

	require.NoError(t, r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: core.HealthUnhealthy}))
	require.NoError(t, r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: core.HealthUnhealthy}))
	inst, _ = r.GetInstance("x")
	assert.Equal(t, core.HealthUnhealthy, inst.Status)
	assert.Equal(t, 2, inst.ConsecutiveFailures)

	// Heartbeats do not override a failing health check
	require.NoError(t, r.Heartbeat(ctx, "x", core.InstancePerformanceMetrics{}))
	inst, _ = r.GetInstance("x")
	assert.Equal(t, core.HealthUnhealthy, inst.Status)

	err := r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: "bogus"})
	assert.True(t, core.IsValidation(err))
}

func TestUnhealthyInstancesAreRemovedAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	r, events := newTestRegistry(t, Config{
		UnhealthyThreshold: 1,
		RemoveAfter:        time.Minute,
		HeartbeatTimeout:   time.Hour,
	}, nil, clock)
	ctx := context.Background()

	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))
	require.NoError(t, r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: core.HealthUnhealthy}))

	r.RunHealthChecks(ctx)
	assert.Len(t, r.GetInstances(false), 1)

	clock.Advance(2 * time.Minute)
	r.RunHealthChecks(ctx)
	assert.Empty(t, r.GetInstances(false))

	require.Eventually(t, func() bool {
		removed := events.ofType(InstanceRemoved)
		return len(removed) == 1 && removed[0].Reason == ReasonRemoveAfter
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), r.GetMetrics().Removed)
}

func TestRemoveAfterSparesInstanceSeenAfterScan(t *testing.T) {
	clock := newFakeClock()
	r, events := newTestRegistry(t, Config{
		UnhealthyThreshold: 1,
		RemoveAfter:        time.Minute,
		HeartbeatTimeout:   time.Hour,
	}, nil, clock)
	ctx := context.Background()

	registerHealthy(t, r, "x", "y")
	for _, id := range []string{"x", "y"} {
		require.NoError(t, r.UpdateInstanceHealth(ctx, id, core.HealthCheckResult{Status: core.HealthUnhealthy}))
	}
	clock.Advance(2 * time.Minute)

	now := clock.Now()
	stale := r.staleInstances(now)
	require.Len(t, stale, 2)

	// x reports in between the scan and the removal
	clock.Advance(time.Second)
	require.NoError(t, r.Heartbeat(ctx, "x", core.InstancePerformanceMetrics{}))

	assert.Equal(t, 1, r.removeStale(stale, now))
	_, err := r.GetInstance("x")
	assert.NoError(t, err)
	_, err = r.GetInstance("y")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)

	require.Eventually(t, func() bool {
		removed := events.ofType(InstanceRemoved)
		return len(removed) == 1 && removed[0].InstanceID == "y"
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveAfterSparesRecoveredInstance(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(t, Config{
		UnhealthyThreshold: 1,
		RemoveAfter:        time.Minute,
		HeartbeatTimeout:   time.Hour,
	}, nil, clock)
	ctx := context.Background()

	registerHealthy(t, r, "x")
	require.NoError(t, r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: core.HealthUnhealthy}))
	clock.Advance(2 * time.Minute)

	now := clock.Now()
	stale := r.staleInstances(now)
	require.Contains(t, stale, "x")

	require.NoError(t, r.UpdateInstanceHealth(ctx, "x", core.HealthCheckResult{Status: core.HealthHealthy}))
	assert.Zero(t, r.removeStale(stale, now))

	inst, err := r.GetInstance("x")
	require.NoError(t, err)
	assert.Equal(t, core.HealthHealthy, inst.Status)
}

func TestHealthMonitoringStartStop(t *testing.T) {
	r, _ := newTestRegistry(t, Config{
		CheckInterval:      5 * time.Millisecond,
		HeartbeatTimeout:   time.Millisecond,
		UnhealthyThreshold: 3,
	}, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.RegisterInstance(ctx, testInstance("x")))

	r.StartHealthMonitoring(ctx)
	r.StartHealthMonitoring(ctx)
	assert.True(t, r.IsMonitoring())

	require.Eventually(t, func() bool {
		inst, err := r.GetInstance("x")
		return err == nil && inst.Status == core.HealthUnhealthy
	}, 2*time.Second, 5*time.Millisecond)

	r.StopHealthMonitoring()
	r.StopHealthMonitoring()
	assert.False(t, r.IsMonitoring())
}

func TestHealthMonitoringStopsWithContext(t *testing.T) {
	r, _ := newTestRegistry(t, Config{CheckInterval: 5 * time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	r.StartHealthMonitoring(ctx)
	cancel()
	require.Eventually(t, func() bool { return !r.IsMonitoring() }, time.Second, 5*time.Millisecond)

	// Can be restarted after the context ended
	r.StartHealthMonitoring(context.Background())
	assert.True(t, r.IsMonitoring())
}

func TestRegistryMetrics(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.RegisterInstance(ctx, testInstance("a")))
	require.NoError(t, r.RegisterInstance(ctx, testInstance("b")))
	require.NoError(t, r.Heartbeat(ctx, "a", core.InstancePerformanceMetrics{}))

	m := r.GetMetrics()
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.ByStatus["healthy"])
	assert.Equal(t, 1, m.ByStatus["unknown"])

	g := r.Gauges()
	assert.Equal(t, 2.0, g["instances_total"])
	assert.Equal(t, 1.0, g["instances_healthy"])
}
