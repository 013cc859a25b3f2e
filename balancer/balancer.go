// Package balancer picks the pipeline instance that should process each event.
//
// Selection is bounded: it reads only the cached weights and feedback the
// balancer already holds, never the registry or the network. Registry events
// flow one way into HandleInstanceEvent to invalidate cached weights.
package balancer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/notify"
	"castellan/registry"

	"go.uber.org/zap"
)

// Config holds load balancer settings
type Config struct {
	Strategy string `mapstructure:"strategy"`
	// LatencyAlpha is the EWMA smoothing factor for feedback latency
	LatencyAlpha       float64         `mapstructure:"latency_alpha"`
	Adaptive           AdaptiveWeights `mapstructure:"adaptive"`
	NotificationBuffer int             `mapstructure:"notification_buffer"`
}

// DefaultConfig returns the default balancer configuration
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyRoundRobin,
		LatencyAlpha:       0.2,
		Adaptive:           DefaultAdaptiveWeights(),
		NotificationBuffer: notify.DefaultBufferSize,
	}
}

// Decision is published for every successful selection
type Decision struct {
	EventID    string        `json:"event_id"`
	InstanceID string        `json:"instance_id"`
	Candidates []string      `json:"candidates"`
	Strategy   string        `json:"strategy"`
	Reason     string        `json:"reason"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

// InstanceStats is the balancer's view of one instance
type InstanceStats struct {
	Selections  uint64        `json:"selections"`
	Successes   uint64        `json:"successes"`
	Failures    uint64        `json:"failures"`
	Outstanding int           `json:"outstanding"`
	Latency     time.Duration `json:"latency"`
	Weight      float64       `json:"weight"`
}

// SuccessRate is the share of reported results that succeeded, 1 without feedback
func (s InstanceStats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 1
	}
	return float64(s.Successes) / float64(total)
}

// Metrics is a snapshot of balancer behaviour
type Metrics struct {
	Strategy    string                   `json:"strategy"`
	Decisions   uint64                   `json:"decisions"`
	NoCapacity  uint64                   `json:"no_capacity"`
	Successes   uint64                   `json:"successes"`
	Failures    uint64                   `json:"failures"`
	Instances   map[string]InstanceStats `json:"instances"`
	AvgDecision time.Duration            `json:"avg_decision_latency"`
	// LoadVariance is the variance of per-instance selection counts
	LoadVariance float64 `json:"load_variance"`
	// NormalizedVariance is the coefficient of variation of selection counts,
	// clipped to [0,1]
	NormalizedVariance     float64 `json:"normalized_variance"`
	DistributionEfficiency float64 `json:"distribution_efficiency"`
	// Effectiveness is the success ratio weighted by the share of selections
	// that found an instance at all
	Effectiveness float64 `json:"effectiveness"`
}

// PerformingWell reports effectiveness above 0.8 and distribution efficiency above 0.7
func (m Metrics) PerformingWell() bool {
	return m.Effectiveness > 0.8 && m.DistributionEfficiency > 0.7
}

type instanceState struct {
	stats       InstanceStats
	weight      float64
	weightValid bool
}

// Balancer selects instances for events
type Balancer struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu        sync.Mutex
	strategy  Strategy
	instances map[string]*instanceState

	decisions     uint64
	noCapacity    uint64
	successes     uint64
	failures      uint64
	decisionNanos int64

	hub *notify.Hub[Decision]
}

// New creates a balancer. An unknown strategy name is a validation error.
func New(cfg Config, logger *zap.SugaredLogger) (*Balancer, error) {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	if cfg.Adaptive == (AdaptiveWeights{}) {
		cfg.Adaptive = def.Adaptive
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = def.NotificationBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	strategy, err := buildStrategy(cfg.Strategy, cfg.Adaptive)
	if err != nil {
		return nil, err
	}

	return &Balancer{
		cfg:       cfg,
		logger:    logger,
		strategy:  strategy,
		instances: make(map[string]*instanceState),
		hub: notify.NewHub[Decision](notify.Options{
			Name:       "balancer",
			BufferSize: cfg.NotificationBuffer,
		}, logger),
	}, nil
}

func buildStrategy(name string, w AdaptiveWeights) (Strategy, error) {
	if name == StrategyAdaptive {
		return newAdaptive(w), nil
	}
	return NewStrategy(name)
}

// SetStrategy switches the selection strategy. Feedback and weights are kept.
func (b *Balancer) SetStrategy(name string) error {
	s, err := buildStrategy(name, b.cfg.Adaptive)
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := b.strategy.Name()
	b.strategy = s
	b.mu.Unlock()

	b.logger.Infow("Load balancing strategy changed", "from", old, "to", s.Name())
	return nil
}

// Strategy returns the active strategy name
func (b *Balancer) Strategy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy.Name()
}

// SelectInstance picks one selectable instance for event. It returns nil, nil
// when no instance is Healthy or Degraded.
func (b *Balancer) SelectInstance(ctx context.Context, event *core.LogEvent, instances []*core.PipelineInstance) (*core.PipelineInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	candidates := make([]Candidate, 0, len(instances))
	b.mu.Lock()
	for _, inst := range instances {
		if inst == nil || !inst.Status.Selectable() {
			continue
		}
		st := b.stateLocked(inst.ID)
		if !st.weightValid {
			st.weight = InstanceWeight(inst, st.stats.SuccessRate())
			st.weightValid = true
		}
		latency := st.stats.Latency
		if latency == 0 {
			latency = inst.Metrics.AvgLatency
		}
		candidates = append(candidates, Candidate{
			Instance:    inst,
			Weight:      st.weight,
			Outstanding: st.stats.Outstanding,
			Latency:     latency,
			SuccessRate: st.stats.SuccessRate(),
		})
	}

	if len(candidates) == 0 {
		b.noCapacity++
		b.mu.Unlock()
		metrics.BalancerNoCapacity.Inc()
		b.logger.Debugw("No selectable instance", "event_id", eventID(event), "instances", len(instances))
		return nil, nil
	}

	sortCandidates(candidates)
	strategy := b.strategy
	idx, reason := strategy.Select(event, candidates)
	if idx < 0 || idx >= len(candidates) {
		idx = 0
	}
	chosen := candidates[idx].Instance

	st := b.instances[chosen.ID]
	st.stats.Selections++
	st.stats.Outstanding++
	b.decisions++
	latency := time.Since(start)
	b.decisionNanos += latency.Nanoseconds()
	b.mu.Unlock()

	metrics.BalancerDecisions.WithLabelValues(strategy.Name()).Inc()
	metrics.BalancerDecisionDuration.Observe(latency.Seconds())

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Instance.ID
	}
	b.hub.Publish(Decision{
		EventID:    eventID(event),
		InstanceID: chosen.ID,
		Candidates: ids,
		Strategy:   strategy.Name(),
		Reason:     reason,
		Latency:    latency,
		Timestamp:  time.Now().UTC(),
	})

	return chosen.Clone(), nil
}

func eventID(e *core.LogEvent) string {
	if e == nil {
		return ""
	}
	return e.ID
}

// stateLocked returns the state for id, creating it. Caller holds b.mu.
func (b *Balancer) stateLocked(id string) *instanceState {
	st, ok := b.instances[id]
	if !ok {
		st = &instanceState{}
		b.instances[id] = st
	}
	return st
}

// RecordProcessingResult feeds back the outcome of an event the balancer
// routed. Results for unknown instances are recorded so late feedback after
// a removal is not lost.
func (b *Balancer) RecordProcessingResult(ctx context.Context, instanceID, eventID string, success bool, latency time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instanceID == "" {
		return core.ValidationError("record processing result", core.ErrInstanceNotFound)
	}

	b.mu.Lock()
	st := b.stateLocked(instanceID)
	if st.stats.Outstanding > 0 {
		st.stats.Outstanding--
	}
	if success {
		st.stats.Successes++
		b.successes++
	} else {
		st.stats.Failures++
		b.failures++
	}
	if latency > 0 {
		if st.stats.Latency == 0 {
			st.stats.Latency = latency
		} else {
			a := b.cfg.LatencyAlpha
			st.stats.Latency = time.Duration(a*float64(latency) + (1-a)*float64(st.stats.Latency))
		}
	}
	st.weightValid = false
	b.mu.Unlock()

	if !success {
		b.logger.Debugw("Processing failure reported", "instance_id", instanceID, "event_id", eventID, "latency", latency)
	}
	return nil
}

// RefreshInstanceWeights recomputes cached weights from fresh snapshots
func (b *Balancer) RefreshInstanceWeights(instances []*core.PipelineInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		st := b.stateLocked(inst.ID)
		st.weight = InstanceWeight(inst, st.stats.SuccessRate())
		st.weightValid = true
	}
}

// HandleInstanceEvent reacts to registry changes. Removed instances are
// forgotten; any other change invalidates the cached weight.
func (b *Balancer) HandleInstanceEvent(ev registry.InstanceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case registry.InstanceRemoved:
		delete(b.instances, ev.InstanceID)
	case registry.InstanceAdded, registry.InstanceStatusChanged:
		if st, ok := b.instances[ev.InstanceID]; ok {
			st.weightValid = false
		}
		if ev.Instance != nil {
			st := b.stateLocked(ev.InstanceID)
			st.weight = InstanceWeight(ev.Instance, st.stats.SuccessRate())
			st.weightValid = true
		}
	}
}

// Subscribe registers fn for decision notifications
func (b *Balancer) Subscribe(fn func(Decision)) (unsubscribe func()) {
	return b.hub.Subscribe(fn)
}

// GetMetrics returns a snapshot of balancer metrics
func (b *Balancer) GetMetrics() Metrics {
	b.mu.Lock()
	m := Metrics{
		Strategy:   b.strategy.Name(),
		Decisions:  b.decisions,
		NoCapacity: b.noCapacity,
		Successes:  b.successes,
		Failures:   b.failures,
		Instances:  make(map[string]InstanceStats, len(b.instances)),
	}
	for id, st := range b.instances {
		s := st.stats
		s.Weight = st.weight
		m.Instances[id] = s
	}
	if b.decisions > 0 {
		m.AvgDecision = time.Duration(b.decisionNanos / int64(b.decisions))
	}
	b.mu.Unlock()

	counts := make([]float64, 0, len(m.Instances))
	for _, s := range m.Instances {
		counts = append(counts, float64(s.Selections))
	}
	mean, variance := meanVariance(counts)
	m.LoadVariance = variance
	if mean > 0 {
		m.NormalizedVariance = clamp01(math.Sqrt(variance) / mean)
	}
	m.DistributionEfficiency = 1 - m.NormalizedVariance

	successRatio := 1.0
	if total := m.Successes + m.Failures; total > 0 {
		successRatio = float64(m.Successes) / float64(total)
	}
	capacityRatio := 1.0
	if total := m.Decisions + m.NoCapacity; total > 0 {
		capacityRatio = float64(m.Decisions) / float64(total)
	}
	m.Effectiveness = successRatio * capacityRatio
	return m
}

// IsPerformingWell reports whether the balancer is effective and fair
func (b *Balancer) IsPerformingWell() bool {
	return b.GetMetrics().PerformingWell()
}

// InstanceIDs returns the instances the balancer holds state for, sorted
func (b *Balancer) InstanceIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.instances))
	for id := range b.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Gauges exposes balancer metrics to the component collector
func (b *Balancer) Gauges() map[string]float64 {
	m := b.GetMetrics()
	return map[string]float64{
		"decisions":               float64(m.Decisions),
		"no_capacity":             float64(m.NoCapacity),
		"effectiveness":           m.Effectiveness,
		"distribution_efficiency": m.DistributionEfficiency,
		"load_variance":           m.LoadVariance,
		"avg_decision_latency_s":  m.AvgDecision.Seconds(),
		"tracked_instances":       float64(len(m.Instances)),
	}
}

// Close stops decision delivery
func (b *Balancer) Close() {
	b.hub.Close()
}

func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, variance
}
