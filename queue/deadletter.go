package queue

import (
	"context"
	"sort"
	"sync"

	"castellan/core"
)

// DeadLetterStore retains events that exhausted their processing attempts.
// Implementations must be safe for concurrent use.
type DeadLetterStore interface {
	Add(ctx context.Context, dl core.DeadLetter) error
	List(ctx context.Context, limit int) ([]core.DeadLetter, error)
	Count(ctx context.Context) (int, error)
	// EventIDs returns the ids of every dead-lettered event, used to rebuild
	// the redelivery guard after a restart.
	EventIDs(ctx context.Context) ([]string, error)
	// Contains reports whether eventID was dead-lettered
	Contains(ctx context.Context, eventID string) (bool, error)
	Purge(ctx context.Context) (int, error)
}

// MemoryDeadLetterStore keeps dead letters in process memory.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []core.DeadLetter
}

// NewMemoryDeadLetterStore creates an empty in-memory store
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// Add appends a dead letter
func (m *MemoryDeadLetterStore) Add(ctx context.Context, dl core.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.Event = dl.Event.Clone()
	m.letters = append(m.letters, dl)
	return nil
}

// List returns dead letters newest first
func (m *MemoryDeadLetterStore) List(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]core.DeadLetter, len(m.letters))
	for i, dl := range m.letters {
		dl.Event = dl.Event.Clone()
		out[i] = dl
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeadLetteredAt.After(out[j].DeadLetteredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of dead letters
func (m *MemoryDeadLetterStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.letters), nil
}

// EventIDs returns the ids of all dead-lettered events
func (m *MemoryDeadLetterStore) EventIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.letters))
	for _, dl := range m.letters {
		ids = append(ids, dl.Event.EventID())
	}
	return ids, nil
}

// Contains reports whether eventID was dead-lettered
func (m *MemoryDeadLetterStore) Contains(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dl := range m.letters {
		if dl.Event.EventID() == eventID {
			return true, nil
		}
	}
	return false, nil
}

// Purge removes every dead letter
func (m *MemoryDeadLetterStore) Purge(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.letters)
	m.letters = nil
	return n, nil
}
