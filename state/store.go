// Package state implements the shared, versioned key/value store that
// pipeline instances use to coordinate (rate counters, leader flags,
// correlation dedup markers).
//
// Every entry carries a version that strictly increases per key, including
// across delete and recreate. CompareAndSwap is the only safe read-modify-write
// path between instances: callers re-read and retry on conflict rather than
// blind-writing. Conflicts are resolved last-writer-wins by version.
package state

import (
	"context"
	"fmt"
	"path"
	"time"

	"castellan/core"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxKeyLength bounds key size
const MaxKeyLength = 512

// ResolutionStrategy is reported on every ConflictEvent
const ResolutionStrategy = "last_writer_wins_by_version"

// TombstoneWinner is the ConflictEvent winner when a compare-and-swap loses
// to a deleted or expired key
const TombstoneWinner = "tombstone"

// Entry is a versioned value. Value holds the msgpack encoding.
type Entry struct {
	Key        string    `json:"key" msgpack:"key"`
	Value      []byte    `json:"value" msgpack:"value"`
	Version    uint64    `json:"version" msgpack:"version"`
	ModifiedBy string    `json:"modified_by,omitempty" msgpack:"modified_by"`
	CreatedAt  time.Time `json:"created_at" msgpack:"created_at"`
	ModifiedAt time.Time `json:"modified_at" msgpack:"modified_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty" msgpack:"expires_at"`
}

// Expired reports whether the entry has a TTL that elapsed before now
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Decode unmarshals the entry value into v
func (e *Entry) Decode(v interface{}) error {
	if err := msgpack.Unmarshal(e.Value, v); err != nil {
		return core.FatalError("decode "+e.Key, fmt.Errorf("%w: %v", core.ErrStateCorrupted, err))
	}
	return nil
}

// Clone returns a copy with its own value buffer
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// Encode marshals a value the way the store keeps it
func Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, core.ValidationError("encode", fmt.Errorf("cannot encode value: %w", err))
	}
	return data, nil
}

// SetOption adjusts a single write
type SetOption func(*setOptions)

type setOptions struct {
	ttl        time.Duration
	modifiedBy string
}

// WithTTL expires the entry d after the write. Zero means no expiry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithModifiedBy overrides the writer id recorded on the entry
func WithModifiedBy(id string) SetOption {
	return func(o *setOptions) { o.modifiedBy = id }
}

func applyOptions(defaultWriter string, opts []SetOption) setOptions {
	o := setOptions{modifiedBy: defaultWriter}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ChangeType names a change notification
type ChangeType string

const (
	ChangeSet     ChangeType = "set"
	ChangeDelete  ChangeType = "delete"
	ChangeExpired ChangeType = "expired"
)

// ChangeEvent is delivered to SubscribeToChanges callbacks
type ChangeEvent struct {
	Type       ChangeType `json:"type" msgpack:"type"`
	Key        string     `json:"key" msgpack:"key"`
	Version    uint64     `json:"version" msgpack:"version"`
	Value      []byte     `json:"value,omitempty" msgpack:"value"`
	ModifiedBy string     `json:"modified_by,omitempty" msgpack:"modified_by"`
	Timestamp  time.Time  `json:"timestamp" msgpack:"timestamp"`
}

// ConflictEvent describes a lost CompareAndSwap and how it was resolved
type ConflictEvent struct {
	Key             string    `json:"key"`
	ExpectedVersion uint64    `json:"expected_version"`
	ActualVersion   uint64    `json:"actual_version"`
	// CompetingValues holds the rejected value followed by the winning value
	// when one exists.
	CompetingValues [][]byte  `json:"competing_values"`
	Strategy        string    `json:"strategy"`
	Winner          string    `json:"winner,omitempty"`
	Resolved        bool      `json:"resolved"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Subscription is returned by SubscribeToChanges
type Subscription interface {
	Pattern() string
	Unsubscribe()
}

// Metrics is a snapshot of store activity
type Metrics struct {
	EntryCount             int           `json:"entry_count"`
	ExpiredCount           int           `json:"expired_count"`
	MemoryBytes            int64         `json:"memory_bytes"`
	Gets                   uint64        `json:"gets"`
	Sets                   uint64        `json:"sets"`
	Deletes                uint64        `json:"deletes"`
	CASSuccesses           uint64        `json:"cas_successes"`
	CASFailures            uint64        `json:"cas_failures"`
	Conflicts              uint64        `json:"conflicts"`
	Resolutions            uint64        `json:"resolutions"`
	ConflictResolutionRate float64       `json:"conflict_resolution_rate"`
	ExpiredRatio           float64       `json:"expired_ratio"`
	AvgSyncLatency         time.Duration `json:"avg_sync_latency"`
	Subscriptions          int           `json:"subscriptions"`
}

// Healthy applies the store health rule: conflict-resolution rate above 95%
// and expired-entry ratio below 10%.
func (m Metrics) Healthy() bool {
	return m.ConflictResolutionRate > 0.95 && m.ExpiredRatio < 0.10
}

// Gauges flattens the snapshot for the component collector
func (m Metrics) Gauges() map[string]float64 {
	return map[string]float64{
		"entry_count":              float64(m.EntryCount),
		"expired_count":            float64(m.ExpiredCount),
		"memory_bytes":             float64(m.MemoryBytes),
		"gets":                     float64(m.Gets),
		"sets":                     float64(m.Sets),
		"deletes":                  float64(m.Deletes),
		"cas_successes":            float64(m.CASSuccesses),
		"cas_failures":             float64(m.CASFailures),
		"conflicts":                float64(m.Conflicts),
		"resolutions":              float64(m.Resolutions),
		"conflict_resolution_rate": m.ConflictResolutionRate,
		"expired_ratio":            m.ExpiredRatio,
		"avg_sync_latency_s":       m.AvgSyncLatency.Seconds(),
		"subscriptions":            float64(m.Subscriptions),
	}
}

// Store is the shared state contract implemented by MemoryStore and RedisStore.
type Store interface {
	// Get returns the live entry or core.ErrKeyNotFound
	Get(ctx context.Context, key string) (*Entry, error)
	// Set writes unconditionally and returns the new entry
	Set(ctx context.Context, key string, value interface{}, opts ...SetOption) (*Entry, error)
	// TrySet inserts only when the key is absent. It returns the stored entry
	// and whether this call inserted it.
	TrySet(ctx context.Context, key string, value interface{}, opts ...SetOption) (*Entry, bool, error)
	// CompareAndSwap writes only when the current version equals expected.
	// An absent key has version 0. The loser gets false and no error.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value interface{}, opts ...SetOption) (*Entry, bool, error)
	// Delete removes the key and reports whether it existed
	Delete(ctx context.Context, key string) (bool, error)
	// GetBatch returns the live entries among keys
	GetBatch(ctx context.Context, keys []string) (map[string]*Entry, error)
	// SetBatch writes every item or, when ctx is already done, none
	SetBatch(ctx context.Context, items map[string]interface{}, opts ...SetOption) (map[string]*Entry, error)
	// GetKeys returns live keys matching a glob pattern, sorted
	GetKeys(ctx context.Context, pattern string) ([]string, error)
	SubscribeToChanges(pattern string, fn func(ChangeEvent)) (Subscription, error)
	OnConflict(fn func(ConflictEvent)) func()
	GetMetrics(ctx context.Context) (Metrics, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}

func validateKey(op, key string) error {
	if key == "" {
		return core.ValidationError(op, fmt.Errorf("empty key"))
	}
	if len(key) > MaxKeyLength {
		return core.ValidationError(op, fmt.Errorf("key exceeds %d bytes", MaxKeyLength))
	}
	return nil
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return core.ValidationError("pattern", fmt.Errorf("empty pattern"))
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return core.ValidationError("pattern", fmt.Errorf("invalid pattern %q: %w", pattern, err))
	}
	return nil
}

// matchKey reports whether key matches a validated glob pattern
func matchKey(pattern, key string) bool {
	ok, _ := path.Match(pattern, key)
	return ok
}
