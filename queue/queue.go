// Package queue implements the priority event queue that feeds pipeline
// instances. Ordering is strict priority, FIFO within a priority.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"castellan/core"
	"castellan/metrics"
	"castellan/notify"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Config holds queue tuning
type Config struct {
	// Capacity bounds the number of queued events. 0 means unbounded.
	Capacity int `mapstructure:"capacity"`
	// EnqueueTimeout is how long Enqueue waits for room before failing
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	// RateWindow is the sliding window used for enqueue/dequeue rates
	RateWindow time.Duration `mapstructure:"rate_window"`
	// NotificationBuffer is the number of pending notifications
	NotificationBuffer int `mapstructure:"notification_buffer"`
	// DeadLetterIndexSize bounds the in-memory redelivery guard. Once ids are
	// evicted from it, misses fall back to a dead-letter store lookup.
	DeadLetterIndexSize int `mapstructure:"dead_letter_index_size"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Capacity:            100000,
		EnqueueTimeout:      500 * time.Millisecond,
		RateWindow:          60 * time.Second,
		NotificationBuffer:  notify.DefaultBufferSize,
		DeadLetterIndexSize: 100000,
	}
}

// NotificationType names a queue change
type NotificationType string

const (
	NotifyEnqueued     NotificationType = "enqueued"
	NotifyDequeued     NotificationType = "dequeued"
	NotifySizeChanged  NotificationType = "size_changed"
	NotifyDeadLettered NotificationType = "dead_lettered"
)

// Notification describes one queue change. Size is the depth after the change.
type Notification struct {
	Type      NotificationType `json:"type"`
	EventID   string           `json:"event_id,omitempty"`
	Priority  int              `json:"priority"`
	Size      int              `json:"size"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Metrics is a point-in-time snapshot of queue state
type Metrics struct {
	Depth            int           `json:"depth"`
	DepthByPriority  map[int]int   `json:"depth_by_priority"`
	Capacity         int           `json:"capacity"`
	TotalEnqueued    uint64        `json:"total_enqueued"`
	TotalDequeued    uint64        `json:"total_dequeued"`
	TotalRejected    uint64        `json:"total_rejected"`
	TotalDeadLetters uint64        `json:"total_dead_lettered"`
	EnqueueRate      float64       `json:"enqueue_rate"`
	DequeueRate      float64       `json:"dequeue_rate"`
	OldestEventAge   time.Duration `json:"oldest_event_age"`
}

// EventQueue is a bounded, priority-ordered queue of events.
type EventQueue struct {
	cfg         Config
	logger      *zap.SugaredLogger
	deadLetters DeadLetterStore

	mu      sync.Mutex
	items   eventHeap
	seq     uint64
	changed chan struct{} // closed and replaced on every change
	closed  bool

	// deadIndex guards against redelivery of dead-lettered event ids
	deadIndex *lru.Cache[string, struct{}]
	// evicted is set once deadIndex drops an id; misses then hit the store
	evicted atomic.Bool

	enqueueRate *rateCounter
	dequeueRate *rateCounter

	totalEnqueued    uint64
	totalDequeued    uint64
	totalRejected    uint64
	totalDeadLetters uint64

	hub *notify.Hub[Notification]
}

// New creates a queue. A nil deadLetters uses an in-memory store.
func New(cfg Config, deadLetters DeadLetterStore, logger *zap.SugaredLogger) *EventQueue {
	def := DefaultConfig()
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = def.NotificationBuffer
	}
	if cfg.DeadLetterIndexSize <= 0 {
		cfg.DeadLetterIndexSize = def.DeadLetterIndexSize
	}
	if deadLetters == nil {
		deadLetters = NewMemoryDeadLetterStore()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	q := &EventQueue{
		cfg:         cfg,
		logger:      logger,
		deadLetters: deadLetters,
		items:       make(eventHeap, 0, 64),
		changed:     make(chan struct{}),
		enqueueRate: newRateCounter(cfg.RateWindow),
		dequeueRate: newRateCounter(cfg.RateWindow),
		hub: notify.NewHub[Notification](notify.Options{
			Name:       "queue",
			BufferSize: cfg.NotificationBuffer,
		}, logger),
	}
	// Only errors on a non-positive size
	q.deadIndex, _ = lru.NewWithEvict[string, struct{}](cfg.DeadLetterIndexSize, func(string, struct{}) {
		q.evicted.Store(true)
	})
	return q
}

// isDeadLettered checks the index and, once it has evicted ids, the store.
func (q *EventQueue) isDeadLettered(ctx context.Context, id string) (bool, error) {
	if q.deadIndex.Contains(id) {
		return true, nil
	}
	if !q.evicted.Load() {
		return false, nil
	}
	found, err := q.deadLetters.Contains(ctx, id)
	if err != nil {
		return false, core.TransientError("dead letter lookup", err)
	}
	if found {
		q.deadIndex.Add(id, struct{}{})
	}
	return found, nil
}

// LoadDeadLetterIndex rebuilds the redelivery guard from the dead-letter store.
// Call once at startup before dequeuing.
func (q *EventQueue) LoadDeadLetterIndex(ctx context.Context) (int, error) {
	ids, err := q.deadLetters.EventIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load dead-letter index: %w", err)
	}
	for _, id := range ids {
		q.deadIndex.Add(id, struct{}{})
	}
	return len(ids), nil
}

// signalLocked wakes every waiter. Caller must hold q.mu.
func (q *EventQueue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue adds an event with the given priority. When the queue is full it
// waits up to EnqueueTimeout for room and then fails with a capacity error.
func (q *EventQueue) Enqueue(ctx context.Context, event *core.LogEvent, priority int) (*core.QueuedEvent, error) {
	if err := core.ValidateEvent(event); err != nil {
		q.reject("invalid")
		return nil, err
	}
	dead, err := q.isDeadLettered(ctx, event.ID)
	if err != nil {
		q.reject("lookup")
		return nil, err
	}
	if dead {
		q.reject("dead_lettered")
		return nil, deadLetteredError(event.ID)
	}

	deadline := time.NewTimer(q.cfg.EnqueueTimeout)
	defer deadline.Stop()

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return nil, core.FatalError("enqueue", core.ErrClosed)
		}
		if q.deadIndex.Contains(event.ID) {
			// dead-lettered while we waited for room
			q.mu.Unlock()
			q.reject("dead_lettered")
			return nil, deadLetteredError(event.ID)
		}
		if q.cfg.Capacity <= 0 || len(q.items) < q.cfg.Capacity {
			break
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			q.reject("full")
			return nil, core.CapacityError("enqueue", fmt.Errorf("%w: capacity %d", core.ErrQueueFull, q.cfg.Capacity))
		case <-ctx.Done():
			q.reject("cancelled")
			return nil, ctx.Err()
		}
		q.mu.Lock()
	}

	now := time.Now()
	q.seq++
	qe := &core.QueuedEvent{
		Event:      event.Clone(),
		Priority:   priority,
		EnqueuedAt: now,
		Sequence:   q.seq,
	}
	heap.Push(&q.items, qe)
	q.totalEnqueued++
	size := len(q.items)
	q.signalLocked()
	q.mu.Unlock()

	q.enqueueRate.add(now, 1)
	metrics.EventsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(size))

	q.publish(NotifyEnqueued, qe, size, "")
	q.publish(NotifySizeChanged, qe, size, "")
	return qe.Clone(), nil
}

func deadLetteredError(id string) error {
	return core.ValidationError("enqueue", fmt.Errorf("%w: %s", core.ErrDeadLettered, id))
}

func (q *EventQueue) reject(reason string) {
	q.mu.Lock()
	q.totalRejected++
	q.mu.Unlock()
	metrics.EnqueueRejected.WithLabelValues(reason).Inc()
}

// Dequeue removes and returns the highest-priority event. It waits up to
// timeout for one to arrive and returns nil, nil when none did. Cancelling
// ctx returns ctx.Err(). A zero timeout does not wait.
func (q *EventQueue) Dequeue(ctx context.Context, timeout time.Duration) (*core.QueuedEvent, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, core.FatalError("dequeue", core.ErrClosed)
		}
		qe := q.popLocked()
		if qe != nil {
			size := len(q.items)
			q.totalDequeued++
			q.signalLocked()
			q.mu.Unlock()

			q.dequeueRate.add(time.Now(), 1)
			metrics.EventsDequeued.Inc()
			metrics.QueueDepth.Set(float64(size))
			q.publish(NotifyDequeued, qe, size, "")
			q.publish(NotifySizeChanged, qe, size, "")
			return qe, nil
		}
		wait := q.changed
		q.mu.Unlock()

		if expired == nil {
			return nil, nil
		}
		select {
		case <-wait:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// popLocked pops the next deliverable event, discarding dead-lettered ids.
func (q *EventQueue) popLocked() *core.QueuedEvent {
	for len(q.items) > 0 {
		qe := heap.Pop(&q.items).(*core.QueuedEvent)
		if q.deadIndex.Contains(qe.EventID()) {
			q.logger.Debugw("Skipping dead-lettered event", "event_id", qe.EventID())
			continue
		}
		return qe
	}
	return nil
}

// Peek returns a copy of the next event without removing it
func (q *EventQueue) Peek() *core.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		head := q.items[0]
		if q.deadIndex.Contains(head.EventID()) {
			heap.Pop(&q.items)
			continue
		}
		return head.Clone()
	}
	return nil
}

// Requeue returns a failed event to the queue with its retry count
// incremented. It bypasses the capacity check so in-flight work is never lost,
// and takes a fresh sequence so it queues behind its peers.
func (q *EventQueue) Requeue(ctx context.Context, qe *core.QueuedEvent, cause error) error {
	if qe == nil || qe.Event == nil {
		return core.ValidationError("requeue", fmt.Errorf("%w: nil event", core.ErrInvalidEvent))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dead, err := q.isDeadLettered(ctx, qe.EventID())
	if err != nil {
		return err
	}
	if dead {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return core.FatalError("requeue", core.ErrClosed)
	}
	if q.deadIndex.Contains(qe.EventID()) {
		q.mu.Unlock()
		return nil
	}
	q.seq++
	re := qe.Clone()
	re.RetryCount++
	re.Sequence = q.seq
	if cause != nil {
		re.LastError = cause.Error()
	}
	heap.Push(&q.items, re)
	size := len(q.items)
	q.signalLocked()
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(size))
	q.publish(NotifyEnqueued, re, size, "requeue")
	q.publish(NotifySizeChanged, re, size, "")
	return nil
}

// MoveToDeadLetter records the event in the dead-letter store. The event id
// is never delivered again and queued copies of it are dropped. Moving the
// same event twice is a no-op.
func (q *EventQueue) MoveToDeadLetter(ctx context.Context, qe *core.QueuedEvent, reason string) error {
	if qe == nil || qe.Event == nil {
		return core.ValidationError("dead letter", fmt.Errorf("%w: nil event", core.ErrInvalidEvent))
	}
	id := qe.EventID()
	dead, err := q.isDeadLettered(ctx, id)
	if err != nil {
		return err
	}
	if dead {
		return nil
	}

	dl := core.DeadLetter{
		ID:             uuid.New().String(),
		Event:          qe.Clone(),
		Reason:         reason,
		DeadLetteredAt: time.Now().UTC(),
	}
	if err := q.deadLetters.Add(ctx, dl); err != nil {
		metrics.DeadLetterInsertFailures.Inc()
		q.logger.Errorw("Failed to persist dead letter",
			"event_id", id,
			"reason", reason,
			"error", err)
		return core.TransientError("dead letter", err)
	}
	q.deadIndex.Add(id, struct{}{})

	q.mu.Lock()
	q.totalDeadLetters++
	dropped := q.removeLocked(id)
	size := len(q.items)
	if dropped > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()
	if dropped > 0 {
		metrics.QueueDepth.Set(float64(size))
	}

	metrics.EventsDeadLettered.WithLabelValues(reasonLabel(reason)).Inc()
	q.logger.Warnw("Event moved to dead-letter queue",
		"event_id", id,
		"retry_count", qe.RetryCount,
		"reason", reason)
	q.publish(NotifyDeadLettered, qe, size, reason)
	return nil
}

// removeLocked drops queued copies of id. Caller must hold q.mu.
func (q *EventQueue) removeLocked(id string) int {
	kept := q.items[:0]
	for _, qe := range q.items {
		if qe.EventID() != id {
			kept = append(kept, qe)
		}
	}
	dropped := len(q.items) - len(kept)
	if dropped == 0 {
		return 0
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)
	return dropped
}

// reasonLabel bounds metric label cardinality
func reasonLabel(reason string) string {
	switch reason {
	case ReasonMaxRetries, ReasonValidation, ReasonNoInstance, ReasonRejected, ReasonManual, ReasonLeaseExpired:
		return reason
	default:
		return "other"
	}
}

// Dead-letter reasons used by the dispatcher
const (
	ReasonMaxRetries = "max_retries"
	ReasonValidation = "validation"
	ReasonNoInstance = "no_instance"
	ReasonRejected   = "rejected"
	ReasonManual     = "manual"
	// ReasonLeaseExpired marks pull claims that were never acknowledged
	ReasonLeaseExpired = "lease_expired"
)

// IsDeadLettered reports whether an event id was dead-lettered. A failed
// store lookup reports false.
func (q *EventQueue) IsDeadLettered(ctx context.Context, eventID string) bool {
	dead, err := q.isDeadLettered(ctx, eventID)
	if err != nil {
		q.logger.Warnw("Dead letter lookup failed", "event_id", eventID, "error", err)
	}
	return dead
}

// DeadLetters lists dead letters newest first
func (q *EventQueue) DeadLetters(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	return q.deadLetters.List(ctx, limit)
}

// DeadLetterCount returns the number of stored dead letters
func (q *EventQueue) DeadLetterCount(ctx context.Context) (int, error) {
	return q.deadLetters.Count(ctx)
}

// Size returns the number of queued events
func (q *EventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe registers a notification callback and returns its unsubscribe func
func (q *EventQueue) Subscribe(fn func(Notification)) func() {
	return q.hub.Subscribe(fn)
}

func (q *EventQueue) publish(t NotificationType, qe *core.QueuedEvent, size int, reason string) {
	q.hub.Publish(Notification{
		Type:      t,
		EventID:   qe.EventID(),
		Priority:  qe.Priority,
		Size:      size,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// GetMetrics returns a snapshot of queue state
func (q *EventQueue) GetMetrics() Metrics {
	now := time.Now()

	q.mu.Lock()
	m := Metrics{
		Depth:            len(q.items),
		DepthByPriority:  make(map[int]int),
		Capacity:         q.cfg.Capacity,
		TotalEnqueued:    q.totalEnqueued,
		TotalDequeued:    q.totalDequeued,
		TotalRejected:    q.totalRejected,
		TotalDeadLetters: q.totalDeadLetters,
	}
	var oldest time.Time
	for _, qe := range q.items {
		m.DepthByPriority[qe.Priority]++
		if oldest.IsZero() || qe.EnqueuedAt.Before(oldest) {
			oldest = qe.EnqueuedAt
		}
	}
	q.mu.Unlock()

	if !oldest.IsZero() {
		m.OldestEventAge = now.Sub(oldest)
	}
	m.EnqueueRate = q.enqueueRate.perSecond(now)
	m.DequeueRate = q.dequeueRate.perSecond(now)
	return m
}

// Gauges flattens GetMetrics for the component collector
func (q *EventQueue) Gauges() map[string]float64 {
	m := q.GetMetrics()
	return map[string]float64{
		"depth":               float64(m.Depth),
		"capacity":            float64(m.Capacity),
		"total_enqueued":      float64(m.TotalEnqueued),
		"total_dequeued":      float64(m.TotalDequeued),
		"total_rejected":      float64(m.TotalRejected),
		"total_dead_lettered": float64(m.TotalDeadLetters),
		"enqueue_rate":        m.EnqueueRate,
		"dequeue_rate":        m.DequeueRate,
		"oldest_event_age_s":  m.OldestEventAge.Seconds(),
	}
}

// Close wakes all waiters and stops notification delivery. Queued events are
// discarded; call Persist first to keep them across a restart.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.signalLocked()
	q.mu.Unlock()
	q.hub.Close()
}
