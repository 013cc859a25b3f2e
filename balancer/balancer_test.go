package balancer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"castellan/core"
	"castellan/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBalancer(t *testing.T, strategy string) *Balancer {
	t.Helper()
	b, err := New(Config{Strategy: strategy}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func instances(n int) []*core.PipelineInstance {
	out := make([]*core.PipelineInstance, n)
	for i := range out {
		out[i] = &core.PipelineInstance{
			ID:       fmt.Sprintf("inst-%02d", i),
			Address:  fmt.Sprintf("10.0.0.%d:8080", i+1),
			Capacity: 100,
			Status:   core.HealthHealthy,
		}
	}
	return out
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "fastest"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestSelectInstanceNoCandidates(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	ctx := context.Background()

	inst, err := b.SelectInstance(ctx, core.NewLogEvent("fw", "deny"), nil)
	require.NoError(t, err)
	assert.Nil(t, inst)

	down := instances(2)
	down[0].Status = core.HealthUnhealthy
	down[1].Status = core.HealthUnknown
	inst, err = b.SelectInstance(ctx, core.NewLogEvent("fw", "deny"), down)
	require.NoError(t, err)
	assert.Nil(t, inst)

	m := b.GetMetrics()
	assert.Equal(t, uint64(2), m.NoCapacity)
	assert.Equal(t, uint64(0), m.Decisions)
}

func TestSelectInstanceSkipsUnhealthy(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	insts := instances(3)
	insts[1].Status = core.HealthUnhealthy
	insts[2].Status = core.HealthDegraded

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		inst, err := b.SelectInstance(context.Background(), core.NewLogEvent("fw", "deny"), insts)
		require.NoError(t, err)
		require.NotNil(t, inst)
		seen[inst.ID]++
	}
	assert.Zero(t, seen["inst-01"])
	assert.Equal(t, 5, seen["inst-00"])
	assert.Equal(t, 5, seen["inst-02"])
}

func TestSelectInstanceReturnsCopy(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	insts := instances(1)
	inst, err := b.SelectInstance(context.Background(), core.NewLogEvent("fw", "deny"), insts)
	require.NoError(t, err)
	inst.Capacity = 1
	assert.Equal(t, 100, insts[0].Capacity)
}

func TestSelectInstanceCancelled(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.SelectInstance(ctx, core.NewLogEvent("fw", "deny"), instances(2))
	assert.ErrorIs(t, err, context.Canceled)
}

// Homogeneous instances must receive load within 10% variance of the mean.
func TestFairDistribution(t *testing.T) {
	for _, strategy := range StrategyNames() {
		t.Run(strategy, func(t *testing.T) {
			b := newTestBalancer(t, strategy)
			insts := instances(5)
			ctx := context.Background()

			for i := 0; i < 1000; i++ {
				ev := core.NewLogEvent("fw", "deny")
				inst, err := b.SelectInstance(ctx, ev, insts)
				require.NoError(t, err)
				require.NotNil(t, inst)
				require.NoError(t, b.RecordProcessingResult(ctx, inst.ID, ev.ID, true, time.Millisecond))
			}

			m := b.GetMetrics()
			require.Len(t, m.Instances, 5)
			mean := 1000.0 / 5
			assert.Less(t, m.LoadVariance, 0.1*mean, "variance %.2f", m.LoadVariance)
			assert.True(t, m.PerformingWell())
		})
	}
}

func TestLeastConnectionsSpreadsWithoutFeedback(t *testing.T) {
	b := newTestBalancer(t, StrategyLeastConnections)
	insts := instances(4)

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		inst, err := b.SelectInstance(context.Background(), nil, insts)
		require.NoError(t, err)
		counts[inst.ID]++
	}
	for _, inst := range insts {
		assert.Equal(t, 10, counts[inst.ID])
	}
}

func TestWeightedRoundRobinFollowsCapacity(t *testing.T) {
	b := newTestBalancer(t, StrategyWeightedRoundRobin)
	insts := instances(2)
	insts[0].Capacity = 300
	insts[1].Capacity = 100

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		inst, err := b.SelectInstance(context.Background(), nil, insts)
		require.NoError(t, err)
		counts[inst.ID]++
	}
	assert.Equal(t, 300, counts["inst-00"])
	assert.Equal(t, 100, counts["inst-01"])
}

func TestRecordProcessingResultFeedback(t *testing.T) {
	b := newTestBalancer(t, StrategyLeastResponseTime)
	insts := instances(2)
	ctx := context.Background()

	require.NoError(t, b.RecordProcessingResult(ctx, "inst-00", "e1", true, 50*time.Millisecond))
	require.NoError(t, b.RecordProcessingResult(ctx, "inst-01", "e2", true, 5*time.Millisecond))

	inst, err := b.SelectInstance(ctx, nil, insts)
	require.NoError(t, err)
	assert.Equal(t, "inst-01", inst.ID)

	require.NoError(t, b.RecordProcessingResult(ctx, "inst-01", "e3", false, 0))
	m := b.GetMetrics()
	assert.Equal(t, uint64(2), m.Successes)
	assert.Equal(t, uint64(1), m.Failures)
	assert.InDelta(t, 0.5, m.Instances["inst-01"].SuccessRate(), 1e-9)
	assert.Equal(t, 5*time.Millisecond, m.Instances["inst-01"].Latency)

	err = b.RecordProcessingResult(ctx, "", "e4", true, 0)
	assert.True(t, core.IsValidation(err))
}

func TestLatencyEWMA(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	ctx := context.Background()
	require.NoError(t, b.RecordProcessingResult(ctx, "a", "e1", true, 100*time.Millisecond))
	require.NoError(t, b.RecordProcessingResult(ctx, "a", "e2", true, 200*time.Millisecond))
	// 0.2*200 + 0.8*100
	assert.InDelta(t, float64(120*time.Millisecond), float64(b.GetMetrics().Instances["a"].Latency), float64(time.Microsecond))
}

func TestEffectivenessThreshold(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	insts := instances(3)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		inst, err := b.SelectInstance(ctx, nil, insts)
		require.NoError(t, err)
		require.NoError(t, b.RecordProcessingResult(ctx, inst.ID, "", i%2 == 0, time.Millisecond))
	}
	m := b.GetMetrics()
	assert.InDelta(t, 0.5, m.Effectiveness, 0.05)
	assert.InDelta(t, 1, m.DistributionEfficiency, 1e-9)
	assert.False(t, b.IsPerformingWell())
}

func TestHandleInstanceEvent(t *testing.T) {
	b := newTestBalancer(t, StrategyWeightedRoundRobin)
	insts := instances(2)
	b.RefreshInstanceWeights(insts)
	assert.InDelta(t, 100, b.GetMetrics().Instances["inst-00"].Weight, 1e-9)

	degraded := insts[0].Clone()
	degraded.Status = core.HealthDegraded
	b.HandleInstanceEvent(registry.InstanceEvent{
		Type:       registry.InstanceStatusChanged,
		InstanceID: "inst-00",
		OldStatus:  core.HealthHealthy,
		NewStatus:  core.HealthDegraded,
		Instance:   degraded,
	})
	assert.InDelta(t, 50, b.GetMetrics().Instances["inst-00"].Weight, 1e-9)

	b.HandleInstanceEvent(registry.InstanceEvent{Type: registry.InstanceRemoved, InstanceID: "inst-01"})
	assert.Equal(t, []string{"inst-00"}, b.InstanceIDs())
}

func TestSetStrategy(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	require.NoError(t, b.SetStrategy(StrategyCapacityBased))
	assert.Equal(t, StrategyCapacityBased, b.Strategy())

	err := b.SetStrategy("coin_flip")
	assert.True(t, core.IsValidation(err))
	assert.Equal(t, StrategyCapacityBased, b.Strategy())
}

func TestDecisionNotifications(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)

	var mu sync.Mutex
	var got []Decision
	done := make(chan struct{}, 4)
	b.Subscribe(func(d Decision) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		done <- struct{}{}
	})

	ev := core.NewLogEvent("fw", "deny")
	inst, err := b.SelectInstance(context.Background(), ev, instances(3))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no decision delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].EventID)
	assert.Equal(t, inst.ID, got[0].InstanceID)
	assert.Equal(t, []string{"inst-00", "inst-01", "inst-02"}, got[0].Candidates)
	assert.Equal(t, StrategyRoundRobin, got[0].Strategy)
	assert.NotEmpty(t, got[0].Reason)
}

func TestConcurrentSelection(t *testing.T) {
	b := newTestBalancer(t, StrategyAdaptive)
	insts := instances(4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				inst, err := b.SelectInstance(ctx, nil, insts)
				if err != nil || inst == nil {
					t.Errorf("select failed: %v", err)
					return
				}
				_ = b.RecordProcessingResult(ctx, inst.ID, "", true, time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), b.GetMetrics().Decisions)
}

func TestGauges(t *testing.T) {
	b := newTestBalancer(t, StrategyRoundRobin)
	_, err := b.SelectInstance(context.Background(), nil, instances(1))
	require.NoError(t, err)
	g := b.Gauges()
	assert.Equal(t, 1.0, g["decisions"])
	assert.Contains(t, g, "distribution_efficiency")
}
