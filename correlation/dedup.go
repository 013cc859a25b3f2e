package correlation

import (
	"context"
	"time"

	"castellan/state"

	lru "github.com/hashicorp/golang-lru/v2"
)

// deduper decides whether this caller is the first to emit a correlation
type deduper interface {
	claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// sharedDedup claims correlation keys with TrySet in the shared state store,
// fronted by a local cache of keys already seen
type sharedDedup struct {
	store      state.Store
	cache      *lru.Cache[string, struct{}]
	instanceID string
}

func (d *sharedDedup) claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if d.store == nil {
		seen, _ := d.cache.ContainsOrAdd(key, struct{}{})
		return !seen, nil
	}
	if d.cache.Contains(key) {
		return false, nil
	}
	_, inserted, err := d.store.TrySet(ctx, key, d.instanceID,
		state.WithTTL(ttl), state.WithModifiedBy(d.instanceID))
	if err != nil {
		return false, err
	}
	d.cache.Add(key, struct{}{})
	return inserted, nil
}

// localDedup isolates batch analyses from live state
type localDedup struct {
	seen map[string]struct{}
}

func newLocalDedup() *localDedup {
	return &localDedup{seen: make(map[string]struct{})}
}

func (d *localDedup) claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}
