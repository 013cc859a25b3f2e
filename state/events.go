package state

import (
	"sync"
	"sync/atomic"
	"time"

	"castellan/metrics"
	"castellan/notify"

	"go.uber.org/zap"
)

// changeBus delivers change and conflict notifications for one store.
type changeBus struct {
	changes   *notify.Hub[ChangeEvent]
	conflicts *notify.Hub[ConflictEvent]

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newChangeBus(name string, buffer int, logger *zap.SugaredLogger) *changeBus {
	onDrop := func() { metrics.StateNotificationsDropped.Inc() }
	return &changeBus{
		changes: notify.NewHub[ChangeEvent](notify.Options{
			Name:       name + "-changes",
			BufferSize: buffer,
			OnDrop:     onDrop,
		}, logger),
		conflicts: notify.NewHub[ConflictEvent](notify.Options{
			Name:       name + "-conflicts",
			BufferSize: buffer,
			OnDrop:     onDrop,
		}, logger),
		subs: make(map[*subscription]struct{}),
	}
}

type subscription struct {
	pattern     string
	bus         *changeBus
	unsubscribe func()
	once        sync.Once
}

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.unsubscribe()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

func (b *changeBus) subscribe(pattern string, fn func(ChangeEvent)) (Subscription, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	sub := &subscription{pattern: pattern, bus: b}
	sub.unsubscribe = b.changes.Subscribe(func(ev ChangeEvent) {
		if matchKey(pattern, ev.Key) {
			fn(ev)
		}
	})
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

func (b *changeBus) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *changeBus) publishChange(ev ChangeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.changes.Publish(ev)
}

func (b *changeBus) close() {
	b.changes.Close()
	b.conflicts.Close()
}

// counters is the activity bookkeeping shared by store implementations.
type counters struct {
	gets         atomic.Uint64
	sets         atomic.Uint64
	deletes      atomic.Uint64
	casSuccesses atomic.Uint64
	casFailures  atomic.Uint64
	conflicts    atomic.Uint64
	resolutions  atomic.Uint64
	expired      atomic.Uint64

	syncNanos atomic.Int64
	syncCount atomic.Int64
}

func (c *counters) observeSync(d time.Duration) {
	c.syncNanos.Add(int64(d))
	c.syncCount.Add(1)
	metrics.StateSyncDuration.Observe(d.Seconds())
}

func (c *counters) op(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	metrics.StateOperations.WithLabelValues(op, result).Inc()
}

// conflict records a lost CAS and publishes its resolution. The conflict
// counts as resolved when a winning version exists.
func (c *counters) conflict(bus *changeBus, ev ConflictEvent) {
	ev.Strategy = ResolutionStrategy
	ev.DetectedAt = time.Now().UTC()
	c.casFailures.Add(1)
	c.conflicts.Add(1)
	if ev.Resolved {
		c.resolutions.Add(1)
	}
	metrics.StateConflicts.Inc()
	bus.conflicts.Publish(ev)
}

// fill copies counters into m and derives the ratios
func (c *counters) fill(m *Metrics) {
	m.Gets = c.gets.Load()
	m.Sets = c.sets.Load()
	m.Deletes = c.deletes.Load()
	m.CASSuccesses = c.casSuccesses.Load()
	m.CASFailures = c.casFailures.Load()
	m.Conflicts = c.conflicts.Load()
	m.Resolutions = c.resolutions.Load()

	if m.Conflicts == 0 {
		m.ConflictResolutionRate = 1
	} else {
		m.ConflictResolutionRate = float64(m.Resolutions) / float64(m.Conflicts)
	}
	total := m.EntryCount + m.ExpiredCount
	if total > 0 {
		m.ExpiredRatio = float64(m.ExpiredCount) / float64(total)
	}
	if n := c.syncCount.Load(); n > 0 {
		m.AvgSyncLatency = time.Duration(c.syncNanos.Load() / n)
	}
}
