// Package dispatch runs the coordinating worker loop: it takes events off the
// queue, picks an instance through the balancer, hands the event over with a
// remote claim and feeds the outcome back. Failed hand-offs are retried with
// backoff and dead-lettered once attempts run out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/queue"
	"castellan/state"
	"castellan/util/goroutine"

	"go.uber.org/zap"
)

// ClaimKeyPrefix prefixes the shared-state marker recording who handed an
// event out
const ClaimKeyPrefix = "claim:"

// Config holds dispatcher settings
type Config struct {
	InstanceID     string        `mapstructure:"instance_id"`
	Workers        int           `mapstructure:"workers"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	// MaxAttempts is the number of hand-offs tried before an event is dead-lettered
	MaxAttempts int `mapstructure:"max_attempts"`
	// NoInstanceAttempts bounds requeues while no instance is selectable
	NoInstanceAttempts int           `mapstructure:"no_instance_attempts"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	ClaimTTL           time.Duration `mapstructure:"claim_ttl"`
	ClaimTimeout       time.Duration `mapstructure:"claim_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	// LeaseTTL is how long a pulled event may go unacknowledged before it
	// is returned to the queue
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		DequeueTimeout:     time.Second,
		MaxAttempts:        3,
		NoInstanceAttempts: 20,
		RetryBackoff:       100 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		ClaimTTL:           10 * time.Minute,
		ClaimTimeout:       5 * time.Second,
		StopTimeout:        30 * time.Second,
		LeaseTTL:           time.Minute,
	}
}

// Queue is the part of the event queue the dispatcher consumes
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*core.QueuedEvent, error)
	Requeue(ctx context.Context, qe *core.QueuedEvent, cause error) error
	MoveToDeadLetter(ctx context.Context, qe *core.QueuedEvent, reason string) error
}

// Instances is the registry view used to find and claim instances
type Instances interface {
	GetInstances(selectableOnly bool) []*core.PipelineInstance
	Claim(ctx context.Context, id string, qe *core.QueuedEvent) (core.ClaimResponse, error)
}

// Selector picks an instance and takes processing feedback
type Selector interface {
	SelectInstance(ctx context.Context, event *core.LogEvent, instances []*core.PipelineInstance) (*core.PipelineInstance, error)
	RecordProcessingResult(ctx context.Context, instanceID, eventID string, success bool, latency time.Duration) error
}

// Analyzer correlates events once they are handed out
type Analyzer interface {
	AnalyzeEvent(ctx context.Context, ev *core.LogEvent) (*core.CorrelationResult, error)
}

// ClaimRecord is the shared-state value stored under claim:<event_id>
type ClaimRecord struct {
	EventID     string    `json:"event_id" msgpack:"event_id"`
	InstanceID  string    `json:"instance_id" msgpack:"instance_id"`
	Coordinator string    `json:"coordinator" msgpack:"coordinator"`
	ClaimToken  string    `json:"claim_token,omitempty" msgpack:"claim_token,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at" msgpack:"claimed_at"`

	// LeaseExpires is set while a pulled event awaits its ack
	LeaseExpires time.Time `json:"lease_expires,omitempty" msgpack:"lease_expires,omitempty"`
}

// reclaimable reports whether coordinator may take over this marker: it
// wrote the marker and either never recorded a token or let the lease lapse.
func (r ClaimRecord) reclaimable(coordinator string, now time.Time) bool {
	if r.Coordinator != coordinator {
		return false
	}
	if r.ClaimToken == "" {
		return true
	}
	return !r.LeaseExpires.IsZero() && now.After(r.LeaseExpires)
}

// Outcome is what happened to one dequeued event
type Outcome string

const (
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeNoInstance   Outcome = "no_instance"
	OutcomeFailed       Outcome = "failed"
)

// Stats counts dispatcher outcomes
type Stats struct {
	Dispatched     uint64 `json:"dispatched"`
	Duplicates     uint64 `json:"duplicates"`
	Requeued       uint64 `json:"requeued"`
	DeadLettered   uint64 `json:"dead_lettered"`
	NoInstance     uint64 `json:"no_instance"`
	Refused        uint64 `json:"refused"`
	Failures       uint64 `json:"failures"`
	Correlations   uint64 `json:"correlations"`
	AnalysisErrors uint64 `json:"analysis_errors"`
	Reclaimed      uint64 `json:"reclaimed"`
	Acked          uint64 `json:"acked"`
	LeasesExpired  uint64 `json:"leases_expired"`
	Leases         int    `json:"leases"`
	Running        bool   `json:"running"`
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithAnalyzer correlates every dispatched event
func WithAnalyzer(a Analyzer) Option {
	return func(d *Dispatcher) { d.analyzer = a }
}

// WithSleep replaces the backoff wait, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// Dispatcher moves events from the queue to pipeline instances
type Dispatcher struct {
	cfg       Config
	queue     Queue
	instances Instances
	selector  Selector
	store     state.Store
	analyzer  Analyzer
	logger    *zap.SugaredLogger
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// inflight holds event ids this coordinator is handing out right now
	inflight sync.Map

	leaseMu sync.Mutex
	leases  map[string]*lease

	dispatched     atomic.Uint64
	duplicates     atomic.Uint64
	requeued       atomic.Uint64
	deadLettered   atomic.Uint64
	noInstance     atomic.Uint64
	refused        atomic.Uint64
	failures       atomic.Uint64
	correlations   atomic.Uint64
	analysisErrors atomic.Uint64
	reclaimed      atomic.Uint64
	acked          atomic.Uint64
	leasesExpired  atomic.Uint64
}

// New creates a dispatcher. store may be nil, in which case claims are not
// guarded across coordinators.
func New(cfg Config, q Queue, instances Instances, selector Selector, store state.Store, logger *zap.SugaredLogger, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.NoInstanceAttempts <= 0 {
		cfg.NoInstanceAttempts = def.NoInstanceAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		cfg:       cfg,
		queue:     q,
		instances: instances,
		selector:  selector,
		store:     store,
		logger:    logger,
		sleep:     sleepContext,
		leases:    make(map[string]*lease),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the workers. Starting a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if d.queue == nil || d.instances == nil || d.selector == nil {
		return core.ValidationError("start dispatcher", errors.New("queue, registry and balancer are required"))
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.logger.Infof("Starting dispatcher with %d workers", d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		id := i
		goroutine.Go(&d.wg, fmt.Sprintf("dispatch-worker-%d", id), d.logger, func() { d.worker(ctx, id) })
	}
	goroutine.Go(&d.wg, "dispatch-lease-sweeper", d.logger, func() { d.sweepLeases(ctx) })
	return nil
}

// Stop cancels the workers and waits for them up to StopTimeout, then
// returns unacknowledged pulled events to the queue. It is safe to call more
// than once.
func (d *Dispatcher) Stop() {
	d.stopWorkers()
	if n := d.returnLeases(); n > 0 {
		d.logger.Infow("Returned unacknowledged pulled events to the queue", "count", n)
	}
}

func (d *Dispatcher) stopWorkers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped")
	case <-time.After(d.cfg.StopTimeout):
		d.logger.Errorw("Dispatcher shutdown timed out, workers leaked",
			"workers", d.cfg.Workers,
			"timeout", d.cfg.StopTimeout)
	}
}

// Running reports whether workers are active
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		qe, err := d.queue.Dequeue(ctx, d.cfg.DequeueTimeout)
		if err != nil {
			if core.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				d.logger.Debugw("Dispatch worker exiting", "worker", id, "reason", err)
				return
			}
			d.logger.Warnw("Dequeue failed", "worker", id, "error", err)
			continue
		}
		if qe == nil {
			continue
		}
		d.Process(ctx, qe)
	}
}

// Process hands one dequeued event to an instance and settles its outcome.
// Workers call it for every event; it is exported for synchronous use.
func (d *Dispatcher) Process(ctx context.Context, qe *core.QueuedEvent) Outcome {
	start := time.Now()
	eventID := qe.EventID()

	if !d.begin(eventID) {
		d.duplicates.Add(1)
		metrics.DispatchAttempts.WithLabelValues(string(OutcomeDuplicate)).Inc()
		d.logger.Debugw("Event already being handed out by this coordinator", "event_id", eventID)
		return OutcomeDuplicate
	}
	defer d.end(eventID)

	inst, err := d.selector.SelectInstance(ctx, qe.Event, d.instances.GetInstances(true))
	if err != nil {
		return d.fail(ctx, qe, "", err)
	}
	if inst == nil {
		d.noInstance.Add(1)
		metrics.DispatchAttempts.WithLabelValues(string(OutcomeNoInstance)).Inc()
		return d.retry(ctx, qe, core.CapacityError("dispatch", core.ErrNoHealthyInstance), d.cfg.NoInstanceAttempts, queue.ReasonNoInstance)
	}

	won, err := d.guard(ctx, eventID, inst.ID)
	if err != nil {
		return d.fail(ctx, qe, "", err)
	}
	if !won {
		d.duplicates.Add(1)
		metrics.DispatchAttempts.WithLabelValues(string(OutcomeDuplicate)).Inc()
		d.logger.Debugw("Event already claimed by another coordinator", "event_id", eventID)
		d.feedback(inst.ID, eventID, true, 0)
		return OutcomeDuplicate
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.ClaimTimeout)
	resp, err := d.instances.Claim(cctx, inst.ID, qe)
	cancel()
	latency := time.Since(start)
	if err != nil {
		d.release(eventID)
		return d.fail(ctx, qe, inst.ID, err)
	}
	if !resp.Accepted {
		d.release(eventID)
		d.refused.Add(1)
		d.feedback(inst.ID, eventID, false, latency)
		cause := fmt.Errorf("claim refused by %s: %s", inst.ID, resp.Error)
		d.logger.Infow("Claim refused", "event_id", eventID, "instance_id", inst.ID, "error", resp.Error)
		return d.retry(ctx, qe, core.TransientError("claim", cause), d.cfg.MaxAttempts, queue.ReasonRejected)
	}

	d.recordClaim(eventID, inst.ID, resp.ClaimToken, time.Time{})
	d.feedback(inst.ID, eventID, true, latency)
	d.dispatched.Add(1)
	metrics.DispatchAttempts.WithLabelValues(string(OutcomeDispatched)).Inc()
	metrics.EventProcessingDuration.Observe(latency.Seconds())
	d.logger.Debugw("Event dispatched",
		"event_id", eventID,
		"instance_id", inst.ID,
		"priority", qe.Priority,
		"retry_count", qe.RetryCount,
		"latency", latency)

	d.analyze(ctx, qe.Event)
	return OutcomeDispatched
}

// begin marks eventID as being handed out by this coordinator. It returns
// false when another local caller already holds it.
func (d *Dispatcher) begin(eventID string) bool {
	_, busy := d.inflight.LoadOrStore(eventID, struct{}{})
	return !busy
}

func (d *Dispatcher) end(eventID string) {
	d.inflight.Delete(eventID)
}

// guard records the claim marker. A marker left behind by this coordinator
// whose release failed, or whose pull lease lapsed, is taken over with a
// compare-and-swap; any other marker means the event is already handled.
// Callers must hold eventID through begin.
func (d *Dispatcher) guard(ctx context.Context, eventID, instanceID string) (bool, error) {
	if d.store == nil {
		return true, nil
	}
	now := time.Now().UTC()
	rec := ClaimRecord{
		EventID:     eventID,
		InstanceID:  instanceID,
		Coordinator: d.cfg.InstanceID,
		ClaimedAt:   now,
	}
	key := ClaimKeyPrefix + eventID
	existing, inserted, err := d.store.TrySet(ctx, key, rec,
		state.WithTTL(d.cfg.ClaimTTL), state.WithModifiedBy(d.cfg.InstanceID))
	if err != nil {
		return false, core.TransientError("claim guard", err)
	}
	if inserted || existing == nil {
		return inserted, nil
	}

	var held ClaimRecord
	if err := existing.Decode(&held); err != nil {
		d.logger.Warnw("Unreadable claim marker", "event_id", eventID, "error", err)
		return false, nil
	}
	if !held.reclaimable(d.cfg.InstanceID, now) {
		return false, nil
	}
	_, swapped, err := d.store.CompareAndSwap(ctx, key, existing.Version, rec,
		state.WithTTL(d.cfg.ClaimTTL), state.WithModifiedBy(d.cfg.InstanceID))
	if err != nil {
		return false, core.TransientError("claim guard", err)
	}
	if swapped {
		d.reclaimed.Add(1)
		d.logger.Infow("Reclaimed stale claim marker",
			"event_id", eventID,
			"previous_instance", held.InstanceID,
			"marker_version", existing.Version)
	}
	return swapped, nil
}

// recordClaim stores the accepted claim token on the marker. A non-zero
// leaseExpires marks a pulled event still awaiting its ack.
func (d *Dispatcher) recordClaim(eventID, instanceID, token string, leaseExpires time.Time) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTimeout)
	defer cancel()
	rec := ClaimRecord{
		EventID:      eventID,
		InstanceID:   instanceID,
		Coordinator:  d.cfg.InstanceID,
		ClaimToken:   token,
		ClaimedAt:    time.Now().UTC(),
		LeaseExpires: leaseExpires,
	}
	if _, err := d.store.Set(ctx, ClaimKeyPrefix+eventID, rec,
		state.WithTTL(d.cfg.ClaimTTL), state.WithModifiedBy(d.cfg.InstanceID)); err != nil {
		d.logger.Warnw("Failed to record claim token", "event_id", eventID, "error", err)
	}
}

// release drops the marker so a retry can claim again
func (d *Dispatcher) release(eventID string) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTimeout)
	defer cancel()
	if _, err := d.store.Delete(ctx, ClaimKeyPrefix+eventID); err != nil {
		d.logger.Warnw("Failed to release claim marker", "event_id", eventID, "error", err)
	}
}

// fail settles a hand-off error by kind
func (d *Dispatcher) fail(ctx context.Context, qe *core.QueuedEvent, instanceID string, err error) Outcome {
	d.failures.Add(1)
	metrics.DispatchAttempts.WithLabelValues(string(OutcomeFailed)).Inc()
	if instanceID != "" {
		d.feedback(instanceID, qe.EventID(), false, 0)
	}

	switch {
	case errors.Is(err, core.ErrInstanceNotFound), core.IsRetryable(err), core.KindOf(err) == 0:
		d.logger.Warnw("Dispatch attempt failed",
			"event_id", qe.EventID(),
			"instance_id", instanceID,
			"retry_count", qe.RetryCount,
			"error", err)
		return d.retry(ctx, qe, err, d.cfg.MaxAttempts, queue.ReasonMaxRetries)
	default:
		d.logger.Errorw("Dispatch failed permanently",
			"event_id", qe.EventID(),
			"instance_id", instanceID,
			"error", err)
		return d.deadLetter(qe, reasonFor(err))
	}
}

func reasonFor(err error) string {
	if core.IsValidation(err) {
		return queue.ReasonValidation
	}
	return queue.ReasonRejected
}

// retry requeues qe after a backoff, or dead-letters it once this attempt
// reaches limit
func (d *Dispatcher) retry(ctx context.Context, qe *core.QueuedEvent, cause error, limit int, reason string) Outcome {
	if qe.RetryCount+1 >= limit {
		return d.deadLetter(qe, reason)
	}
	// A cancelled wait still requeues so shutdown never loses the event
	_ = d.sleep(ctx, d.backoff(qe.RetryCount))

	rctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTimeout)
	defer cancel()
	if err := d.queue.Requeue(rctx, qe, cause); err != nil {
		d.logger.Errorw("Failed to requeue event", "event_id", qe.EventID(), "error", err)
		return d.deadLetter(qe, reason)
	}
	d.requeued.Add(1)
	if errors.Is(cause, core.ErrNoHealthyInstance) {
		return OutcomeNoInstance
	}
	return OutcomeRequeued
}

// backoff doubles the base delay per retry, capped at MaxBackoff
func (d *Dispatcher) backoff(retries int) time.Duration {
	b := d.cfg.RetryBackoff
	for i := 0; i < retries && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	if b > d.cfg.MaxBackoff {
		b = d.cfg.MaxBackoff
	}
	return b
}

func (d *Dispatcher) deadLetter(qe *core.QueuedEvent, reason string) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTimeout)
	defer cancel()
	if err := d.queue.MoveToDeadLetter(ctx, qe, reason); err != nil {
		d.logger.Errorw("Failed to dead-letter event",
			"event_id", qe.EventID(),
			"reason", reason,
			"error", err)
		return OutcomeFailed
	}
	d.deadLettered.Add(1)
	metrics.DispatchAttempts.WithLabelValues(string(OutcomeDeadLettered)).Inc()
	return OutcomeDeadLettered
}

func (d *Dispatcher) feedback(instanceID, eventID string, success bool, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTimeout)
	defer cancel()
	if err := d.selector.RecordProcessingResult(ctx, instanceID, eventID, success, latency); err != nil {
		d.logger.Debugw("Failed to record processing result", "instance_id", instanceID, "error", err)
	}
}

func (d *Dispatcher) analyze(ctx context.Context, ev *core.LogEvent) {
	if d.analyzer == nil {
		return
	}
	res, err := d.analyzer.AnalyzeEvent(ctx, ev)
	if err != nil {
		d.analysisErrors.Add(1)
		d.logger.Warnw("Correlation analysis failed", "event_id", ev.ID, "error", err)
		return
	}
	d.correlations.Add(uint64(len(res.Correlations)))
}

// GetStats returns a snapshot of dispatcher counters
func (d *Dispatcher) GetStats() Stats {
	return Stats{
		Dispatched:     d.dispatched.Load(),
		Duplicates:     d.duplicates.Load(),
		Requeued:       d.requeued.Load(),
		DeadLettered:   d.deadLettered.Load(),
		NoInstance:     d.noInstance.Load(),
		Refused:        d.refused.Load(),
		Failures:       d.failures.Load(),
		Correlations:   d.correlations.Load(),
		AnalysisErrors: d.analysisErrors.Load(),
		Reclaimed:      d.reclaimed.Load(),
		Acked:          d.acked.Load(),
		LeasesExpired:  d.leasesExpired.Load(),
		Leases:         d.leaseCount(),
		Running:        d.Running(),
	}
}

// Gauges exposes dispatcher counters to the component collector
func (d *Dispatcher) Gauges() map[string]float64 {
	s := d.GetStats()
	running := 0.0
	if s.Running {
		running = 1
	}
	return map[string]float64{
		"dispatched":      float64(s.Dispatched),
		"duplicates":      float64(s.Duplicates),
		"requeued":        float64(s.Requeued),
		"dead_lettered":   float64(s.DeadLettered),
		"no_instance":     float64(s.NoInstance),
		"refused":         float64(s.Refused),
		"failures":        float64(s.Failures),
		"correlations":    float64(s.Correlations),
		"analysis_errors": float64(s.AnalysisErrors),
		"reclaimed":       float64(s.Reclaimed),
		"acked":           float64(s.Acked),
		"leases_expired":  float64(s.LeasesExpired),
		"leases":          float64(s.Leases),
		"running":         running,
	}
}
