package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"

	"castellan/core"
	"castellan/metrics"
)

// PendingStore keeps a snapshot of queued events across a restart.
// Implementations must be safe for concurrent use.
type PendingStore interface {
	// SavePending replaces the stored snapshot with events
	SavePending(ctx context.Context, events []*core.QueuedEvent) error
	LoadPending(ctx context.Context) ([]*core.QueuedEvent, error)
	ClearPending(ctx context.Context) error
}

// MemoryPendingStore keeps the snapshot in process memory.
type MemoryPendingStore struct {
	mu     sync.Mutex
	events []*core.QueuedEvent
}

// NewMemoryPendingStore creates an empty snapshot store
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{}
}

func (m *MemoryPendingStore) SavePending(ctx context.Context, events []*core.QueuedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make([]*core.QueuedEvent, len(events))
	for i, qe := range events {
		m.events[i] = qe.Clone()
	}
	return nil
}

func (m *MemoryPendingStore) LoadPending(ctx context.Context) ([]*core.QueuedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.QueuedEvent, len(m.events))
	for i, qe := range m.events {
		out[i] = qe.Clone()
	}
	return out, nil
}

func (m *MemoryPendingStore) ClearPending(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

// Persist writes a snapshot of every queued event to store in delivery
// order. The queue itself is left untouched.
func (q *EventQueue) Persist(ctx context.Context, store PendingStore) (int, error) {
	q.mu.Lock()
	snapshot := make(eventHeap, len(q.items))
	for i, qe := range q.items {
		snapshot[i] = qe.Clone()
	}
	q.mu.Unlock()
	sort.Sort(snapshot)

	if err := store.SavePending(ctx, snapshot); err != nil {
		return 0, core.TransientError("persist queue", err)
	}
	q.logger.Infow("Persisted pending events", "count", len(snapshot))
	return len(snapshot), nil
}

// Restore queues the events saved by Persist and clears the snapshot. It
// bypasses the capacity check, keeps each event's priority, retry count and
// enqueue time, and skips dead-lettered or already queued ids. Load the
// dead-letter index first.
func (q *EventQueue) Restore(ctx context.Context, store PendingStore) (int, error) {
	saved, err := store.LoadPending(ctx)
	if err != nil {
		return 0, core.TransientError("restore queue", err)
	}
	sort.SliceStable(saved, func(i, j int) bool {
		return saved[i].Sequence < saved[j].Sequence
	})

	keep := make([]*core.QueuedEvent, 0, len(saved))
	for _, qe := range saved {
		if qe == nil || qe.Event == nil {
			continue
		}
		dead, err := q.isDeadLettered(ctx, qe.EventID())
		if err != nil {
			return 0, err
		}
		if !dead {
			keep = append(keep, qe)
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, core.FatalError("restore queue", core.ErrClosed)
	}
	queued := make(map[string]struct{}, len(q.items))
	for _, qe := range q.items {
		queued[qe.EventID()] = struct{}{}
	}
	restored := 0
	for _, qe := range keep {
		if _, dup := queued[qe.EventID()]; dup {
			continue
		}
		queued[qe.EventID()] = struct{}{}
		q.seq++
		qe.Sequence = q.seq
		heap.Push(&q.items, qe)
		restored++
	}
	size := len(q.items)
	if restored > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()

	if err := store.ClearPending(ctx); err != nil {
		return restored, core.TransientError("restore queue", fmt.Errorf("failed to clear snapshot: %w", err))
	}
	metrics.QueueDepth.Set(float64(size))
	if restored > 0 {
		q.logger.Infow("Restored pending events", "count", restored, "skipped", len(saved)-restored)
	}
	return restored, nil
}
