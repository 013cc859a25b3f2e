package correlation

import (
	"sort"
	"sync"
	"time"

	"castellan/core"

	"github.com/cespare/xxhash/v2"
)

// lockStripes is the number of bucket mutexes. Buckets hash onto stripes, so
// unrelated entities rarely contend and no lock is global.
const lockStripes = 256

// partition holds the recent events of one entity, ordered by timestamp then id
type partition struct {
	events []*core.LogEvent
	ids    map[string]struct{}
	// consumed records, per rule, events already part of an emitted correlation
	consumed map[string]map[string]struct{}
}

func newPartition() *partition {
	return &partition{
		ids:      make(map[string]struct{}),
		consumed: make(map[string]map[string]struct{}),
	}
}

func eventLess(a, b *core.LogEvent) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// insert adds ev in order. Duplicates and events older than horizon behind
// the newest event are refused.
func (p *partition) insert(ev *core.LogEvent, horizon time.Duration) insertResult {
	if _, dup := p.ids[ev.ID]; dup {
		return insertDuplicate
	}
	if n := len(p.events); n > 0 && ev.Timestamp.Before(p.events[n-1].Timestamp.Add(-horizon)) {
		return insertLate
	}
	i := sort.Search(len(p.events), func(i int) bool { return !eventLess(p.events[i], ev) })
	p.events = append(p.events, nil)
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = ev
	p.ids[ev.ID] = struct{}{}
	return insertOK
}

type insertResult int

const (
	insertOK insertResult = iota
	insertDuplicate
	insertLate
)

// trim drops events older than horizon behind the newest one and enforces
// maxEvents by dropping the oldest. It returns the number dropped.
func (p *partition) trim(horizon time.Duration, maxEvents int) int {
	n := len(p.events)
	if n == 0 {
		return 0
	}
	cutoff := p.events[n-1].Timestamp.Add(-horizon)
	drop := sort.Search(n, func(i int) bool { return !p.events[i].Timestamp.Before(cutoff) })
	if maxEvents > 0 && n-drop > maxEvents {
		drop = n - maxEvents
	}
	return p.dropFirst(drop)
}

// trimBefore drops events with timestamps before cutoff
func (p *partition) trimBefore(cutoff time.Time) int {
	drop := sort.Search(len(p.events), func(i int) bool { return !p.events[i].Timestamp.Before(cutoff) })
	return p.dropFirst(drop)
}

func (p *partition) dropFirst(n int) int {
	if n <= 0 {
		return 0
	}
	for _, ev := range p.events[:n] {
		delete(p.ids, ev.ID)
		for _, set := range p.consumed {
			delete(set, ev.ID)
		}
	}
	p.events = append([]*core.LogEvent(nil), p.events[n:]...)
	return n
}

// between returns events with timestamps in [from, to]
func (p *partition) between(from, to time.Time) []*core.LogEvent {
	lo := sort.Search(len(p.events), func(i int) bool { return !p.events[i].Timestamp.Before(from) })
	hi := sort.Search(len(p.events), func(i int) bool { return p.events[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	return p.events[lo:hi]
}

func (p *partition) isConsumed(ruleID, eventID string) bool {
	_, ok := p.consumed[ruleID][eventID]
	return ok
}

func (p *partition) consume(ruleID string, events []*core.LogEvent) {
	set, ok := p.consumed[ruleID]
	if !ok {
		set = make(map[string]struct{}, len(events))
		p.consumed[ruleID] = set
	}
	for _, ev := range events {
		set[ev.ID] = struct{}{}
	}
}

// window is the sliding event buffer, partitioned by entity
type window struct {
	mu    sync.RWMutex
	parts map[string]*partition
	locks [lockStripes]sync.Mutex
}

func newWindow() *window {
	return &window{parts: make(map[string]*partition)}
}

// lock serializes work on one bucket and returns its unlock function
func (w *window) lock(key string) func() {
	m := &w.locks[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}

// partition returns the partition for key, creating it. Callers hold the
// bucket lock for key.
func (w *window) partition(key string) *partition {
	w.mu.RLock()
	p, ok := w.parts[key]
	w.mu.RUnlock()
	if ok {
		return p
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok = w.parts[key]; !ok {
		p = newPartition()
		w.parts[key] = p
	}
	return p
}

func (w *window) keys() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	keys := make([]string, 0, len(w.parts))
	for k := range w.parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// removeIfEmpty drops an empty partition. Callers hold the bucket lock.
func (w *window) removeIfEmpty(key string) {
	w.mu.Lock()
	if p, ok := w.parts[key]; ok && len(p.events) == 0 {
		delete(w.parts, key)
	}
	w.mu.Unlock()
}

// forgetRule drops consumption state for a deleted rule
func (w *window) forgetRule(ruleID string) {
	for _, key := range w.keys() {
		unlock := w.lock(key)
		w.mu.RLock()
		p, ok := w.parts[key]
		w.mu.RUnlock()
		if ok {
			delete(p.consumed, ruleID)
		}
		unlock()
	}
}

// expireBefore drops events older than cutoff across all partitions
func (w *window) expireBefore(cutoff time.Time) int {
	removed := 0
	for _, key := range w.keys() {
		unlock := w.lock(key)
		w.mu.RLock()
		p, ok := w.parts[key]
		w.mu.RUnlock()
		if ok {
			removed += p.trimBefore(cutoff)
			if len(p.events) == 0 {
				w.removeIfEmpty(key)
			}
		}
		unlock()
	}
	return removed
}

// size returns the number of buffered events and partitions
func (w *window) size() (events, partitions int) {
	for _, key := range w.keys() {
		unlock := w.lock(key)
		w.mu.RLock()
		p, ok := w.parts[key]
		w.mu.RUnlock()
		if ok {
			events += len(p.events)
			partitions++
		}
		unlock()
	}
	return events, partitions
}
