package balancer

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"castellan/core"
)

// Strategy names
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyLeastResponseTime  = "least_response_time"
	StrategyCapacityBased      = "capacity_based"
	StrategyAdaptive           = "adaptive"
)

// Candidate is one selectable instance with the balancer's cached view of it.
type Candidate struct {
	Instance *core.PipelineInstance
	// Weight is the cached instance weight, always > 0
	Weight float64
	// Outstanding counts selections not yet reported back through
	// RecordProcessingResult
	Outstanding int
	// Latency is the feedback EWMA, falling back to the reported average
	Latency time.Duration
	// SuccessRate is the feedback success ratio, 1 without feedback
	SuccessRate float64
}

// connections is the reported connection count plus work assigned since
func (c Candidate) connections() int {
	return c.Instance.Metrics.ActiveConnections + c.Outstanding
}

// freeCapacity is the remaining capacity, negative when oversubscribed
func (c Candidate) freeCapacity() int {
	return c.Instance.Capacity - c.connections()
}

// Strategy picks one candidate. Candidates are sorted by instance id and
// never empty. Implementations must be safe for concurrent use and must not
// block.
type Strategy interface {
	Name() string
	Select(event *core.LogEvent, candidates []Candidate) (index int, reason string)
}

// NewStrategy builds a strategy by name
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin, "":
		return &roundRobin{}, nil
	case StrategyWeightedRoundRobin:
		return newWeightedRoundRobin(), nil
	case StrategyLeastConnections:
		return &leastConnections{}, nil
	case StrategyLeastResponseTime:
		return &leastResponseTime{}, nil
	case StrategyCapacityBased:
		return &capacityBased{}, nil
	case StrategyAdaptive:
		return newAdaptive(DefaultAdaptiveWeights()), nil
	default:
		return nil, core.ValidationError("strategy", fmt.Errorf("unknown load balancing strategy %q", name))
	}
}

// StrategyNames lists every built-in strategy
func StrategyNames() []string {
	return []string{
		StrategyRoundRobin,
		StrategyWeightedRoundRobin,
		StrategyLeastConnections,
		StrategyLeastResponseTime,
		StrategyCapacityBased,
		StrategyAdaptive,
	}
}

type roundRobin struct {
	mu   sync.Mutex
	next uint64
}

func (s *roundRobin) Name() string { return StrategyRoundRobin }

func (s *roundRobin) Select(_ *core.LogEvent, candidates []Candidate) (int, string) {
	s.mu.Lock()
	idx := int(s.next % uint64(len(candidates)))
	s.next++
	s.mu.Unlock()
	return idx, fmt.Sprintf("round robin position %d of %d", idx+1, len(candidates))
}

// weightedRoundRobin is the smooth weighted round-robin used by nginx: each
// pick adds every weight to its running score, takes the highest and subtracts
// the total from it.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]float64
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{current: make(map[string]float64)}
}

func (s *weightedRoundRobin) Name() string { return StrategyWeightedRoundRobin }

func (s *weightedRoundRobin) Select(_ *core.LogEvent, candidates []Candidate) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]struct{}, len(candidates))
	total := 0.0
	best := -1
	for i, c := range candidates {
		id := c.Instance.ID
		present[id] = struct{}{}
		s.current[id] += c.Weight
		total += c.Weight
		if best < 0 || s.current[id] > s.current[candidates[best].Instance.ID] {
			best = i
		}
	}
	for id := range s.current {
		if _, ok := present[id]; !ok {
			delete(s.current, id)
		}
	}
	s.current[candidates[best].Instance.ID] -= total
	return best, fmt.Sprintf("weighted round robin, weight %.2f of %.2f", candidates[best].Weight, total)
}

// rotor rotates the starting point of a scan so that tied candidates take
// turns instead of the lowest id always winning.
type rotor struct {
	n atomic.Uint64
}

// best returns the index in [0,n) that no other index beats, scanning from a
// rotating offset. better reports whether i is strictly better than j.
func (r *rotor) best(n int, better func(i, j int) bool) int {
	start := int(r.n.Add(1) % uint64(n))
	best := start
	for k := 1; k < n; k++ {
		i := (start + k) % n
		if better(i, best) {
			best = i
		}
	}
	return best
}

type leastConnections struct {
	rotor
}

func (s *leastConnections) Name() string { return StrategyLeastConnections }

func (s *leastConnections) Select(_ *core.LogEvent, candidates []Candidate) (int, string) {
	best := s.best(len(candidates), func(i, j int) bool {
		return candidates[i].connections() < candidates[j].connections()
	})
	return best, fmt.Sprintf("fewest connections (%d)", candidates[best].connections())
}

type leastResponseTime struct {
	rotor
}

func (s *leastResponseTime) Name() string { return StrategyLeastResponseTime }

func (s *leastResponseTime) Select(_ *core.LogEvent, candidates []Candidate) (int, string) {
	best := s.best(len(candidates), func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		return a.Latency < b.Latency || (a.Latency == b.Latency && a.connections() < b.connections())
	})
	return best, fmt.Sprintf("lowest response time (%s)", candidates[best].Latency)
}

type capacityBased struct {
	rotor
}

func (s *capacityBased) Name() string { return StrategyCapacityBased }

func (s *capacityBased) Select(_ *core.LogEvent, candidates []Candidate) (int, string) {
	best := s.best(len(candidates), func(i, j int) bool {
		return candidates[i].freeCapacity() > candidates[j].freeCapacity()
	})
	return best, fmt.Sprintf("most free capacity (%d of %d)", candidates[best].freeCapacity(), candidates[best].Instance.Capacity)
}

// sortCandidates orders candidates by instance id
func sortCandidates(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Instance.ID < candidates[j].Instance.ID
	})
}

// clamp01 bounds v to [0,1]
func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
