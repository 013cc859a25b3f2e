package state

import (
	"context"
	"errors"
	"fmt"

	"castellan/core"
)

// DefaultUpdateAttempts bounds Update's re-read and CAS loop
const DefaultUpdateAttempts = 10

// GetAs reads key and decodes its value into T
func GetAs[T any](ctx context.Context, s Store, key string) (T, *Entry, error) {
	var v T
	e, err := s.Get(ctx, key)
	if err != nil {
		return v, nil, err
	}
	if err := e.Decode(&v); err != nil {
		return v, nil, err
	}
	return v, e, nil
}

// SetAs writes a typed value
func SetAs[T any](ctx context.Context, s Store, key string, v T, opts ...SetOption) (*Entry, error) {
	return s.Set(ctx, key, v, opts...)
}

// CompareAndSwapAs is the typed form of Store.CompareAndSwap
func CompareAndSwapAs[T any](ctx context.Context, s Store, key string, expected uint64, v T, opts ...SetOption) (*Entry, bool, error) {
	return s.CompareAndSwap(ctx, key, expected, v, opts...)
}

// Update applies fn to the current value with re-read and CAS until it wins
// or attempts run out. exists is false when the key is absent. Exhausting the
// attempts returns a conflict error.
func Update[T any](ctx context.Context, s Store, key string, fn func(cur T, exists bool) (T, error), opts ...SetOption) (*Entry, error) {
	for attempt := 0; attempt < DefaultUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, e, err := GetAs[T](ctx, s, key)
		exists := true
		var version uint64
		switch {
		case errors.Is(err, core.ErrKeyNotFound):
			exists = false
		case err != nil:
			return nil, err
		default:
			version = e.Version
		}

		next, err := fn(cur, exists)
		if err != nil {
			return nil, err
		}
		written, ok, err := s.CompareAndSwap(ctx, key, version, next, opts...)
		if err != nil {
			return nil, err
		}
		if ok {
			return written, nil
		}
	}
	return nil, core.ConflictError("update "+key, fmt.Errorf("%w: gave up after %d attempts", core.ErrVersionConflict, DefaultUpdateAttempts))
}
