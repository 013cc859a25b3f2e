package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"castellan/core"
	"castellan/util/goroutine"

	"go.uber.org/zap"
)

// entryOverhead approximates per-entry bookkeeping bytes for MemoryBytes
const entryOverhead = 96

// Persister provides write-through durability for a MemoryStore. Deleted keys
// are kept as version tombstones so versions stay monotonic across restarts.
type Persister interface {
	SaveEntry(ctx context.Context, e *Entry) error
	// SaveEntries writes all entries in one transaction
	SaveEntries(ctx context.Context, entries []*Entry) error
	DeleteEntry(ctx context.Context, key string, version uint64) error
	// LoadEntries returns stored entries and the tombstone version of every
	// deleted key
	LoadEntries(ctx context.Context) ([]*Entry, map[string]uint64, error)
}

// MemoryConfig configures a MemoryStore
type MemoryConfig struct {
	// InstanceID is recorded as ModifiedBy unless a write overrides it
	InstanceID         string        `mapstructure:"instance_id"`
	NotificationBuffer int           `mapstructure:"notification_buffer"`
	JanitorInterval    time.Duration `mapstructure:"janitor_interval"`
}

// MemoryStore is an in-process Store with optional write-through persistence.
type MemoryStore struct {
	cfg       MemoryConfig
	logger    *zap.SugaredLogger
	persister Persister

	mu      sync.RWMutex
	entries map[string]*Entry
	// floors holds the last version of deleted or expired keys
	floors map[string]uint64
	closed bool

	bus   *changeBus
	stats counters

	janitorMu sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMemoryStore creates a store. persister may be nil.
func NewMemoryStore(cfg MemoryConfig, persister Persister, logger *zap.SugaredLogger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MemoryStore{
		cfg:       cfg,
		logger:    logger,
		persister: persister,
		entries:   make(map[string]*Entry),
		floors:    make(map[string]uint64),
		bus:       newChangeBus("state", cfg.NotificationBuffer, logger),
	}
}

// Load restores entries and tombstones from the persister. Entries that
// expired while the process was down become tombstones.
func (s *MemoryStore) Load(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	entries, floors, err := s.persister.LoadEntries(ctx)
	if err != nil {
		return 0, core.FatalError("load state", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range floors {
		s.floors[k] = v
	}
	loaded := 0
	for _, e := range entries {
		if e.Expired(now) {
			if e.Version > s.floors[e.Key] {
				s.floors[e.Key] = e.Version
			}
			continue
		}
		s.entries[e.Key] = e.Clone()
		delete(s.floors, e.Key)
		loaded++
	}
	s.logger.Infow("Shared state loaded", "entries", loaded, "tombstones", len(s.floors))
	return loaded, nil
}

func (s *MemoryStore) checkOpen(op string) error {
	if s.closed {
		return core.FatalError(op, core.ErrClosed)
	}
	return nil
}

// nextVersionLocked returns the version the next write to key receives
func (s *MemoryStore) nextVersionLocked(key string) uint64 {
	v := s.floors[key]
	if e, ok := s.entries[key]; ok && e.Version > v {
		v = e.Version
	}
	return v + 1
}

// liveLocked returns the unexpired entry for key. An expired entry is removed
// and its expiry notification appended to pending. Caller holds the write lock.
func (s *MemoryStore) liveLocked(ctx context.Context, key string, now time.Time, pending *[]ChangeEvent) *Entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.Expired(now) {
		return e
	}
	s.expireLocked(ctx, e, pending)
	return nil
}

func (s *MemoryStore) expireLocked(ctx context.Context, e *Entry, pending *[]ChangeEvent) {
	delete(s.entries, e.Key)
	if e.Version > s.floors[e.Key] {
		s.floors[e.Key] = e.Version
	}
	s.stats.expired.Add(1)
	if s.persister != nil {
		if err := s.persister.DeleteEntry(ctx, e.Key, e.Version); err != nil {
			s.logger.Warnw("Failed to persist expiry", "key", e.Key, "error", err)
		}
	}
	*pending = append(*pending, ChangeEvent{
		Type:    ChangeExpired,
		Key:     e.Key,
		Version: e.Version,
	})
}

func (s *MemoryStore) buildLocked(key string, data []byte, o setOptions, now time.Time, prev *Entry) *Entry {
	e := &Entry{
		Key:        key,
		Value:      data,
		Version:    s.nextVersionLocked(key),
		ModifiedBy: o.modifiedBy,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if prev != nil {
		e.CreatedAt = prev.CreatedAt
	}
	if o.ttl > 0 {
		e.ExpiresAt = now.Add(o.ttl)
	}
	return e
}

func (s *MemoryStore) persist(ctx context.Context, op string, entries ...*Entry) error {
	if s.persister == nil {
		return nil
	}
	start := time.Now()
	var err error
	if len(entries) == 1 {
		err = s.persister.SaveEntry(ctx, entries[0])
	} else {
		err = s.persister.SaveEntries(ctx, entries)
	}
	s.stats.observeSync(time.Since(start))
	if err != nil {
		s.logger.Errorw("Failed to persist shared state", "op", op, "entries", len(entries), "error", err)
		return core.TransientError(op, err)
	}
	return nil
}

func (s *MemoryStore) installLocked(e *Entry) {
	s.entries[e.Key] = e
	delete(s.floors, e.Key)
}

func (s *MemoryStore) publish(pending []ChangeEvent) {
	for _, ev := range pending {
		s.bus.publishChange(ev)
	}
}

func setEvent(e *Entry) ChangeEvent {
	return ChangeEvent{
		Type:       ChangeSet,
		Key:        e.Key,
		Version:    e.Version,
		Value:      append([]byte(nil), e.Value...),
		ModifiedBy: e.ModifiedBy,
		Timestamp:  e.ModifiedAt,
	}
}

// Get returns the live entry for key
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey("get", key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.stats.gets.Add(1)
	now := time.Now()

	s.mu.RLock()
	if err := s.checkOpen("get"); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	e, ok := s.entries[key]
	if ok && !e.Expired(now) {
		out := e.Clone()
		s.mu.RUnlock()
		s.stats.op("get", true)
		return out, nil
	}
	s.mu.RUnlock()

	if ok {
		var pending []ChangeEvent
		s.mu.Lock()
		s.liveLocked(ctx, key, now, &pending)
		s.mu.Unlock()
		s.publish(pending)
	}
	return nil, core.ErrKeyNotFound
}

// Set writes value unconditionally
func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) (*Entry, error) {
	if err := validateKey("set", key); err != nil {
		return nil, err
	}
	data, err := Encode(value)
	if err != nil {
		return nil, err
	}
	o := applyOptions(s.cfg.InstanceID, opts)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pending []ChangeEvent
	s.mu.Lock()
	if err := s.checkOpen("set"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	prev := s.liveLocked(ctx, key, now, &pending)
	e := s.buildLocked(key, data, o, now, prev)
	if err := s.persist(ctx, "set", e); err != nil {
		s.mu.Unlock()
		s.publish(pending)
		s.stats.op("set", false)
		return nil, err
	}
	s.installLocked(e)
	out := e.Clone()
	s.mu.Unlock()

	s.stats.sets.Add(1)
	s.stats.op("set", true)
	s.publish(append(pending, setEvent(e)))
	return out, nil
}

// TrySet inserts value only when key is absent
func (s *MemoryStore) TrySet(ctx context.Context, key string, value interface{}, opts ...SetOption) (*Entry, bool, error) {
	if err := validateKey("try_set", key); err != nil {
		return nil, false, err
	}
	data, err := Encode(value)
	if err != nil {
		return nil, false, err
	}
	o := applyOptions(s.cfg.InstanceID, opts)
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var pending []ChangeEvent
	s.mu.Lock()
	if err := s.checkOpen("try_set"); err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	now := time.Now()
	if cur := s.liveLocked(ctx, key, now, &pending); cur != nil {
		out := cur.Clone()
		s.mu.Unlock()
		s.publish(pending)
		s.stats.op("try_set", true)
		return out, false, nil
	}
	e := s.buildLocked(key, data, o, now, nil)
	if err := s.persist(ctx, "try_set", e); err != nil {
		s.mu.Unlock()
		s.publish(pending)
		s.stats.op("try_set", false)
		return nil, false, err
	}
	s.installLocked(e)
	out := e.Clone()
	s.mu.Unlock()

	s.stats.sets.Add(1)
	s.stats.op("try_set", true)
	s.publish(append(pending, setEvent(e)))
	return out, true, nil
}

// CompareAndSwap writes value when the live version equals expected
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value interface{}, opts ...SetOption) (*Entry, bool, error) {
	if err := validateKey("cas", key); err != nil {
		return nil, false, err
	}
	data, err := Encode(value)
	if err != nil {
		return nil, false, err
	}
	o := applyOptions(s.cfg.InstanceID, opts)
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var pending []ChangeEvent
	s.mu.Lock()
	if err := s.checkOpen("cas"); err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	now := time.Now()
	cur := s.liveLocked(ctx, key, now, &pending)
	var actual uint64
	if cur != nil {
		actual = cur.Version
	}
	if actual != expected {
		ev := ConflictEvent{
			Key:             key,
			ExpectedVersion: expected,
			ActualVersion:   actual,
			CompetingValues: [][]byte{data},
		}
		if cur != nil {
			ev.CompetingValues = append(ev.CompetingValues, append([]byte(nil), cur.Value...))
			ev.Winner = cur.ModifiedBy
		} else {
			// the key is gone; the stale write loses to its tombstone
			ev.ActualVersion = s.floors[key]
			ev.Winner = TombstoneWinner
		}
		ev.Resolved = true
		s.mu.Unlock()
		s.publish(pending)
		s.stats.conflict(s.bus, ev)
		s.stats.op("cas", true)
		s.logger.Debugw("Compare-and-swap conflict",
			"key", key,
			"expected_version", expected,
			"actual_version", actual)
		return nil, false, nil
	}

	e := s.buildLocked(key, data, o, now, cur)
	if err := s.persist(ctx, "cas", e); err != nil {
		s.mu.Unlock()
		s.publish(pending)
		s.stats.op("cas", false)
		return nil, false, err
	}
	s.installLocked(e)
	out := e.Clone()
	s.mu.Unlock()

	s.stats.sets.Add(1)
	s.stats.casSuccesses.Add(1)
	s.stats.op("cas", true)
	s.publish(append(pending, setEvent(e)))
	return out, true, nil
}

// Delete removes key, leaving a version tombstone
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey("delete", key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var pending []ChangeEvent
	s.mu.Lock()
	if err := s.checkOpen("delete"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	cur := s.liveLocked(ctx, key, time.Now(), &pending)
	if cur == nil {
		s.mu.Unlock()
		s.publish(pending)
		return false, nil
	}
	if s.persister != nil {
		start := time.Now()
		err := s.persister.DeleteEntry(ctx, key, cur.Version)
		s.stats.observeSync(time.Since(start))
		if err != nil {
			s.mu.Unlock()
			s.stats.op("delete", false)
			return false, core.TransientError("delete", err)
		}
	}
	delete(s.entries, key)
	s.floors[key] = cur.Version
	s.mu.Unlock()

	s.stats.deletes.Add(1)
	s.stats.op("delete", true)
	s.publish(append(pending, ChangeEvent{
		Type:       ChangeDelete,
		Key:        key,
		Version:    cur.Version,
		ModifiedBy: s.cfg.InstanceID,
	}))
	return true, nil
}

// GetBatch returns the live entries among keys
func (s *MemoryStore) GetBatch(ctx context.Context, keys []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		e, err := s.Get(ctx, key)
		if errors.Is(err, core.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

// SetBatch writes every item under one lock, so a cancelled context applies
// nothing. Values are encoded before any write.
func (s *MemoryStore) SetBatch(ctx context.Context, items map[string]interface{}, opts ...SetOption) (map[string]*Entry, error) {
	encoded := make(map[string][]byte, len(items))
	keys := make([]string, 0, len(items))
	for key, value := range items {
		if err := validateKey("set_batch", key); err != nil {
			return nil, err
		}
		data, err := Encode(value)
		if err != nil {
			return nil, err
		}
		encoded[key] = data
		keys = append(keys, key)
	}
	sort.Strings(keys)
	o := applyOptions(s.cfg.InstanceID, opts)

	var pending []ChangeEvent
	s.mu.Lock()
	if err := s.checkOpen("set_batch"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	built := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		prev := s.liveLocked(ctx, key, now, &pending)
		built = append(built, s.buildLocked(key, encoded[key], o, now, prev))
	}
	if len(built) > 0 {
		if err := s.persist(ctx, "set_batch", built...); err != nil {
			s.mu.Unlock()
			s.publish(pending)
			s.stats.op("set_batch", false)
			return nil, err
		}
	}
	out := make(map[string]*Entry, len(built))
	for _, e := range built {
		s.installLocked(e)
		out[e.Key] = e.Clone()
		pending = append(pending, setEvent(e))
	}
	s.mu.Unlock()

	s.stats.sets.Add(uint64(len(built)))
	s.stats.op("set_batch", true)
	s.publish(pending)
	return out, nil
}

// GetKeys returns live keys matching pattern, sorted
func (s *MemoryStore) GetKeys(ctx context.Context, pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()

	s.mu.RLock()
	keys := make([]string, 0)
	for key, e := range s.entries {
		if e.Expired(now) {
			continue
		}
		if matchKey(pattern, key) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// SubscribeToChanges delivers changes to keys matching pattern
func (s *MemoryStore) SubscribeToChanges(pattern string, fn func(ChangeEvent)) (Subscription, error) {
	return s.bus.subscribe(pattern, fn)
}

// OnConflict registers a conflict observer and returns its unsubscribe func
func (s *MemoryStore) OnConflict(fn func(ConflictEvent)) func() {
	return s.bus.conflicts.Subscribe(fn)
}

// GetMetrics returns a snapshot of store state
func (s *MemoryStore) GetMetrics(ctx context.Context) (Metrics, error) {
	now := time.Now()
	var m Metrics

	s.mu.RLock()
	for key, e := range s.entries {
		if e.Expired(now) {
			m.ExpiredCount++
		} else {
			m.EntryCount++
		}
		m.MemoryBytes += int64(len(key) + len(e.Value) + len(e.ModifiedBy) + entryOverhead)
	}
	s.mu.RUnlock()

	s.stats.fill(&m)
	m.Subscriptions = s.bus.subscriptionCount()
	return m, nil
}

// IsHealthy is false once closed and otherwise applies Metrics.Healthy
func (s *MemoryStore) IsHealthy(ctx context.Context) bool {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false
	}
	m, err := s.GetMetrics(ctx)
	return err == nil && m.Healthy()
}

// Gauges adapts GetMetrics for the component collector
func (s *MemoryStore) Gauges() map[string]float64 {
	m, _ := s.GetMetrics(context.Background())
	return m.Gauges()
}

// Sweep physically removes expired entries and returns how many it removed
func (s *MemoryStore) Sweep(ctx context.Context) int {
	now := time.Now()
	var pending []ChangeEvent

	s.mu.Lock()
	for _, e := range s.entries {
		if e.Expired(now) {
			s.expireLocked(ctx, e, &pending)
		}
	}
	s.mu.Unlock()

	s.publish(pending)
	return len(pending)
}

// StartJanitor sweeps expired entries every interval until StopJanitor or Close.
// Calling it while a janitor runs is a no-op.
func (s *MemoryStore) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.JanitorInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}

	s.janitorMu.Lock()
	defer s.janitorMu.Unlock()
	if s.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	s.stopCh = stop

	goroutine.Go(&s.wg, "state-janitor", s.logger, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(context.Background()); n > 0 {
					s.logger.Debugw("Expired shared state swept", "count", n)
				}
			case <-stop:
				return
			}
		}
	})
}

// StopJanitor stops the sweep loop and waits for it to exit
func (s *MemoryStore) StopJanitor() {
	s.janitorMu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.janitorMu.Unlock()
	s.wg.Wait()
}

// Close stops the janitor and notification delivery
func (s *MemoryStore) Close() error {
	s.StopJanitor()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.bus.close()
	return nil
}

var _ Store = (*MemoryStore)(nil)

// String identifies the store in logs
func (s *MemoryStore) String() string {
	return fmt.Sprintf("memory(instance=%s)", s.cfg.InstanceID)
}
