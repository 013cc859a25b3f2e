// Package registry tracks the pipeline instances able to process events,
// drives their health state machine and pushes control commands to them.
//
// The registry owns instance records. Readers get deep-copied snapshots, and
// changes are announced as InstanceEvents so the load balancer never needs a
// live reference back into the registry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"castellan/core"
	"castellan/notify"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds registry tuning
type Config struct {
	// CheckInterval is the health monitoring period
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// HeartbeatTimeout is how stale LastSeen may get before a check counts as missed
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// UnhealthyThreshold is the consecutive failure count that makes an instance Unhealthy
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold"`
	// RemoveAfter removes instances that stay Unhealthy this long. Zero keeps them.
	RemoveAfter time.Duration `mapstructure:"remove_after"`
	// PollHealth makes the monitor ask the transport for health instead of
	// relying on heartbeats alone
	PollHealth bool `mapstructure:"poll_health"`

	CommandTimeout        time.Duration `mapstructure:"command_timeout"`
	CommandRateLimit      float64       `mapstructure:"command_rate_limit"`
	CommandBurst          int           `mapstructure:"command_burst"`
	MaxConcurrentCommands int           `mapstructure:"max_concurrent_commands"`

	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		CheckInterval:         10 * time.Second,
		HeartbeatTimeout:      30 * time.Second,
		UnhealthyThreshold:    3,
		RemoveAfter:           5 * time.Minute,
		CommandTimeout:        5 * time.Second,
		CommandRateLimit:      10,
		CommandBurst:          5,
		MaxConcurrentCommands: 16,
		CircuitBreaker:        core.DefaultCircuitBreakerConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.CommandRateLimit <= 0 {
		c.CommandRateLimit = def.CommandRateLimit
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = def.CommandBurst
	}
	if c.MaxConcurrentCommands <= 0 {
		c.MaxConcurrentCommands = def.MaxConcurrentCommands
	}
	if c.CircuitBreaker.Validate() != nil {
		c.CircuitBreaker = def.CircuitBreaker
	}
}

// EventType names a registry change
type EventType string

const (
	InstanceAdded         EventType = "instance_added"
	InstanceRemoved       EventType = "instance_removed"
	InstanceStatusChanged EventType = "instance_status_changed"
)

// InstanceEvent announces a registry change. Instance is a snapshot taken
// after the change (before it, for removals).
type InstanceEvent struct {
	Type       EventType              `json:"type"`
	InstanceID string                 `json:"instance_id"`
	OldStatus  core.HealthStatus      `json:"old_status,omitempty"`
	NewStatus  core.HealthStatus      `json:"new_status,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Instance   *core.PipelineInstance `json:"instance,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Metrics is a snapshot of registry state
type Metrics struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	CommandsSent      uint64         `json:"commands_sent"`
	CommandsFailed    uint64         `json:"commands_failed"`
	Removed           uint64         `json:"removed"`
	StatusTransitions uint64         `json:"status_transitions"`
	Monitoring        bool           `json:"monitoring"`
}

// record is the registry's private view of one instance
type record struct {
	inst    *core.PipelineInstance
	breaker *core.CircuitBreaker
	limiter *rate.Limiter
	// heartbeatLapsed is set when the last failure was a missed heartbeat, so
	// a fresh heartbeat alone can restore the instance
	heartbeatLapsed bool
}

// Option customises a Registry
type Option func(*Registry)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the authoritative set of pipeline instances.
type Registry struct {
	cfg       Config
	transport CommandTransport
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]*record

	hub *notify.Hub[InstanceEvent]

	monitorMu sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup

	commandsSent   atomic.Uint64
	commandsFailed atomic.Uint64
	removed        atomic.Uint64
	transitions    atomic.Uint64
}

// New creates a registry. transport may be nil when commands and claims are
// not used.
func New(cfg Config, transport CommandTransport, logger *zap.SugaredLogger, opts ...Option) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		records:   make(map[string]*record),
		hub: notify.NewHub[InstanceEvent](notify.Options{
			Name:     "registry",
			Blocking: true,
		}, logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers an InstanceEvent callback and returns its unsubscribe func
func (r *Registry) Subscribe(fn func(InstanceEvent)) func() {
	return r.hub.Subscribe(fn)
}

func (r *Registry) publish(ev InstanceEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	r.hub.Publish(ev)
}

func (r *Registry) newRecord(inst *core.PipelineInstance) *record {
	// Config was validated in applyDefaults
	breaker, _ := core.NewCircuitBreaker("instance:"+inst.ID, r.cfg.CircuitBreaker)
	breaker.OnStateChange(func(name string, from, to core.CircuitBreakerState) {
		r.logger.Warnw("Instance circuit breaker state changed",
			"breaker", name,
			"from", from,
			"to", to)
	})
	return &record{
		inst:    inst,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.CommandRateLimit), r.cfg.CommandBurst),
	}
}

// RegisterInstance adds an instance or refreshes the address, capacity and
// tags of a known one. Registering the same instance twice is a no-op apart
// from that refresh. New instances start Unknown.
func (r *Registry) RegisterInstance(ctx context.Context, inst *core.PipelineInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := core.ValidateInstance(inst); err != nil {
		return err
	}
	now := r.now().UTC()

	r.mu.Lock()
	if rec, ok := r.records[inst.ID]; ok {
		rec.inst.Address = inst.Address
		rec.inst.Capacity = inst.Capacity
		if inst.Tags != nil {
			rec.inst.Tags = inst.Clone().Tags
		}
		rec.inst.LastSeen = now
		r.mu.Unlock()
		return nil
	}

	stored := inst.Clone()
	stored.Status = core.HealthUnknown
	stored.RegisteredAt = now
	stored.StatusChangedAt = now
	stored.LastSeen = now
	stored.ConsecutiveFailures = 0
	r.records[stored.ID] = r.newRecord(stored)
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.logger.Infow("Pipeline instance registered",
		"instance_id", stored.ID,
		"address", stored.Address,
		"capacity", stored.Capacity)
	r.publish(InstanceEvent{
		Type:       InstanceAdded,
		InstanceID: stored.ID,
		NewStatus:  core.HealthUnknown,
		Instance:   snapshot,
	})
	return nil
}

// UnregisterInstance removes an instance. It reports whether the instance was
// registered; removing an unknown id is not an error.
func (r *Registry) UnregisterInstance(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.remove(id, "unregistered"), nil
}

func (r *Registry) remove(id, reason string) bool {
	return r.removeWhen(id, reason, nil)
}

// removeWhen deletes id if cond, evaluated under the write lock, holds.
// A nil cond always removes.
func (r *Registry) removeWhen(id, reason string, cond func(*record) bool) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok && cond != nil && !cond(rec) {
		ok = false
	}
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.removed.Add(1)
	r.logger.Infow("Pipeline instance removed", "instance_id", id, "reason", reason)
	r.publish(InstanceEvent{
		Type:       InstanceRemoved,
		InstanceID: id,
		OldStatus:  rec.inst.Status,
		Reason:     reason,
		Instance:   rec.inst.Clone(),
	})
	return true
}

// GetInstances returns a snapshot sorted by id. With selectableOnly it
// returns only Healthy and Degraded instances.
func (r *Registry) GetInstances(selectableOnly bool) []*core.PipelineInstance {
	r.mu.RLock()
	out := make([]*core.PipelineInstance, 0, len(r.records))
	for _, rec := range r.records {
		if selectableOnly && !rec.inst.Status.Selectable() {
			continue
		}
		out = append(out, rec.inst.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetInstance returns a snapshot of one instance
func (r *Registry) GetInstance(id string) (*core.PipelineInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}
	return rec.inst.Clone(), nil
}

// Heartbeat records that an instance is alive and refreshes its metrics.
// The first heartbeat makes an Unknown instance Healthy, and a heartbeat
// after missed heartbeats restores it.
func (r *Registry) Heartbeat(ctx context.Context, id string, m core.InstancePerformanceMetrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.now().UTC()
	if m.ReportedAt.IsZero() {
		m.ReportedAt = now
	}

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}
	rec.inst.LastSeen = now
	rec.inst.Metrics = m
	var ev *InstanceEvent
	if rec.inst.Status == core.HealthUnknown || rec.heartbeatLapsed {
		ev = r.transitionLocked(rec, core.HealthHealthy, "heartbeat", now)
		rec.inst.ConsecutiveFailures = 0
		rec.heartbeatLapsed = false
	}
	r.mu.Unlock()

	if ev != nil {
		r.publish(*ev)
	}
	return nil
}

// UpdateMetrics replaces an instance's reported performance metrics
func (r *Registry) UpdateMetrics(ctx context.Context, id string, m core.InstancePerformanceMetrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ReportedAt.IsZero() {
		m.ReportedAt = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}
	rec.inst.Metrics = m
	return nil
}

// GetMetrics returns a snapshot of registry state
func (r *Registry) GetMetrics() Metrics {
	m := Metrics{
		ByStatus: map[string]int{
			string(core.HealthUnknown):   0,
			string(core.HealthHealthy):   0,
			string(core.HealthDegraded):  0,
			string(core.HealthUnhealthy): 0,
		},
		CommandsSent:      r.commandsSent.Load(),
		CommandsFailed:    r.commandsFailed.Load(),
		Removed:           r.removed.Load(),
		StatusTransitions: r.transitions.Load(),
		Monitoring:        r.IsMonitoring(),
	}
	r.mu.RLock()
	m.Total = len(r.records)
	for _, rec := range r.records {
		m.ByStatus[string(rec.inst.Status)]++
	}
	r.mu.RUnlock()
	return m
}

// Gauges flattens GetMetrics for the component collector
func (r *Registry) Gauges() map[string]float64 {
	m := r.GetMetrics()
	g := map[string]float64{
		"instances_total":    float64(m.Total),
		"commands_sent":      float64(m.CommandsSent),
		"commands_failed":    float64(m.CommandsFailed),
		"instances_removed":  float64(m.Removed),
		"status_transitions": float64(m.StatusTransitions),
	}
	for status, n := range m.ByStatus {
		g["instances_"+status] = float64(n)
	}
	return g
}

// Close stops health monitoring and event delivery
func (r *Registry) Close() {
	r.StopHealthMonitoring()
	r.hub.Close()
}
