package balancer

import (
	"testing"
	"time"

	"castellan/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(id string, capacity, active int, weight float64) Candidate {
	return Candidate{
		Instance: &core.PipelineInstance{
			ID:       id,
			Address:  id + ":8080",
			Capacity: capacity,
			Status:   core.HealthHealthy,
			Metrics:  core.InstancePerformanceMetrics{ActiveConnections: active},
		},
		Weight:      weight,
		SuccessRate: 1,
	}
}

func TestNewStrategyUnknown(t *testing.T) {
	_, err := NewStrategy("random")
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))

	for _, name := range StrategyNames() {
		s, err := NewStrategy(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}
}

func TestRoundRobinCycles(t *testing.T) {
	s := &roundRobin{}
	cs := []Candidate{candidate("a", 10, 0, 1), candidate("b", 10, 0, 1), candidate("c", 10, 0, 1)}

	var got []int
	for i := 0; i < 6; i++ {
		idx, _ := s.Select(nil, cs)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestWeightedRoundRobinIsSmooth(t *testing.T) {
	s := newWeightedRoundRobin()
	cs := []Candidate{candidate("a", 5, 0, 5), candidate("b", 1, 0, 1), candidate("c", 1, 0, 1)}

	var got []string
	for i := 0; i < 7; i++ {
		idx, _ := s.Select(nil, cs)
		got = append(got, cs[idx].Instance.ID)
	}
	// nginx reference sequence for weights 5,1,1
	assert.Equal(t, []string{"a", "a", "b", "a", "c", "a", "a"}, got)
}

func TestWeightedRoundRobinForgetsRemovedInstances(t *testing.T) {
	s := newWeightedRoundRobin()
	s.Select(nil, []Candidate{candidate("a", 1, 0, 1), candidate("b", 1, 0, 1)})
	s.Select(nil, []Candidate{candidate("a", 1, 0, 1)})
	_, ok := s.current["b"]
	assert.False(t, ok)
}

func TestLeastConnectionsCountsOutstanding(t *testing.T) {
	a := candidate("a", 10, 1, 1)
	b := candidate("b", 10, 3, 1)
	idx, _ := (&leastConnections{}).Select(nil, []Candidate{a, b})
	assert.Equal(t, 0, idx)

	a.Outstanding = 5
	idx, _ = (&leastConnections{}).Select(nil, []Candidate{a, b})
	assert.Equal(t, 1, idx)
}

func TestLeastResponseTime(t *testing.T) {
	a := candidate("a", 10, 0, 1)
	a.Latency = 40 * time.Millisecond
	b := candidate("b", 10, 0, 1)
	b.Latency = 10 * time.Millisecond
	idx, reason := (&leastResponseTime{}).Select(nil, []Candidate{a, b})
	assert.Equal(t, 1, idx)
	assert.Contains(t, reason, "10ms")
}

func TestCapacityBased(t *testing.T) {
	cs := []Candidate{candidate("a", 10, 8, 1), candidate("b", 20, 15, 1), candidate("c", 4, 0, 1)}
	idx, _ := (&capacityBased{}).Select(nil, cs)
	assert.Equal(t, 1, idx, "b has 5 free slots")
}

func TestAdaptivePrefersHeadroomAndReliability(t *testing.T) {
	s := newAdaptive(DefaultAdaptiveWeights())

	busy := candidate("a", 10, 9, 1)
	idle := candidate("b", 10, 0, 1)
	idx, _ := s.Select(nil, []Candidate{busy, idle})
	assert.Equal(t, 1, idx)

	flaky := candidate("a", 10, 0, 1)
	flaky.SuccessRate = 0.2
	steady := candidate("b", 10, 0, 1)
	idx, reason := s.Select(nil, []Candidate{flaky, steady})
	assert.Equal(t, 1, idx)
	assert.Contains(t, reason, "adaptive score")
}

func TestInstanceWeight(t *testing.T) {
	healthy := &core.PipelineInstance{ID: "a", Capacity: 10, Status: core.HealthHealthy}
	degraded := healthy.Clone()
	degraded.Status = core.HealthDegraded
	erroring := healthy.Clone()
	erroring.Metrics.ErrorRate = 1

	assert.InDelta(t, 10, InstanceWeight(healthy, 1), 1e-9)
	assert.InDelta(t, 5, InstanceWeight(degraded, 1), 1e-9)
	assert.InDelta(t, 5, InstanceWeight(healthy, 0.5), 1e-9)
	assert.Equal(t, minWeight, InstanceWeight(erroring, 1))

	noCapacity := &core.PipelineInstance{ID: "b", Status: core.HealthHealthy}
	assert.InDelta(t, 1, InstanceWeight(noCapacity, 1), 1e-9)
}
