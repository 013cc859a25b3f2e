package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"castellan/state"

	"go.uber.org/zap"
)

// SQLiteStatePersister is the write-through backing of a state.MemoryStore.
// Rows only move forward: a write carrying a version at or below the stored
// one, or below the key's tombstone, is ignored.
type SQLiteStatePersister struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteStatePersister creates a persister on db
func NewSQLiteStatePersister(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteStatePersister {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLiteStatePersister{sqlite: sqlite, logger: logger}
}

const upsertEntry = `
	INSERT INTO shared_state (key, value, version, modified_by, created_at, modified_at, expires_at)
	SELECT ?, ?, ?, ?, ?, ?, ?
	WHERE NOT EXISTS (SELECT 1 FROM shared_state_tombstones WHERE key = ? AND version >= ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		version = excluded.version,
		modified_by = excluded.modified_by,
		modified_at = excluded.modified_at,
		expires_at = excluded.expires_at
	WHERE excluded.version > shared_state.version`

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func saveEntry(ctx context.Context, tx *sql.Tx, e *state.Entry) error {
	value := e.Value
	if value == nil {
		value = []byte{}
	}
	if _, err := tx.ExecContext(ctx, upsertEntry,
		e.Key, value, int64(e.Version), e.ModifiedBy,
		nanos(e.CreatedAt), nanos(e.ModifiedAt), nanos(e.ExpiresAt),
		e.Key, int64(e.Version)); err != nil {
		return fmt.Errorf("failed to save state entry %s: %w", e.Key, err)
	}
	// a recreated key supersedes its tombstone
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM shared_state_tombstones WHERE key = ? AND version < ?`, e.Key, int64(e.Version)); err != nil {
		return fmt.Errorf("failed to clear tombstone %s: %w", e.Key, err)
	}
	return nil
}

// SaveEntry writes one entry
func (p *SQLiteStatePersister) SaveEntry(ctx context.Context, e *state.Entry) error {
	return p.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		return saveEntry(ctx, tx, e)
	})
}

// SaveEntries writes all entries in one transaction
func (p *SQLiteStatePersister) SaveEntries(ctx context.Context, entries []*state.Entry) error {
	return p.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := saveEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEntry removes key and records version as its tombstone
func (p *SQLiteStatePersister) DeleteEntry(ctx context.Context, key string, version uint64) error {
	return p.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM shared_state WHERE key = ? AND version <= ?`, key, int64(version)); err != nil {
			return fmt.Errorf("failed to delete state entry %s: %w", key, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shared_state_tombstones (key, version, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET version = excluded.version, deleted_at = excluded.deleted_at
			WHERE excluded.version > shared_state_tombstones.version`,
			key, int64(version), time.Now().UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to record tombstone %s: %w", key, err)
		}
		return nil
	})
}

// LoadEntries returns every stored entry and the tombstone version of every
// deleted key
func (p *SQLiteStatePersister) LoadEntries(ctx context.Context) ([]*state.Entry, map[string]uint64, error) {
	rows, err := p.sqlite.ReadDB.QueryContext(ctx, `
		SELECT key, value, version, modified_by, created_at, modified_at, expires_at
		FROM shared_state ORDER BY key`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query state entries: %w", err)
	}
	defer rows.Close()

	var entries []*state.Entry
	for rows.Next() {
		var e state.Entry
		var version, created, modified, expires int64
		var modifiedBy sql.NullString
		if err := rows.Scan(&e.Key, &e.Value, &version, &modifiedBy, &created, &modified, &expires); err != nil {
			return nil, nil, fmt.Errorf("failed to scan state entry: %w", err)
		}
		e.Version = uint64(version)
		e.ModifiedBy = modifiedBy.String
		e.CreatedAt = fromNanos(created)
		e.ModifiedAt = fromNanos(modified)
		e.ExpiresAt = fromNanos(expires)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating state entries: %w", err)
	}

	trows, err := p.sqlite.ReadDB.QueryContext(ctx, `SELECT key, version FROM shared_state_tombstones`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer trows.Close()

	tombstones := make(map[string]uint64)
	for trows.Next() {
		var key string
		var version int64
		if err := trows.Scan(&key, &version); err != nil {
			return nil, nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones[key] = uint64(version)
	}
	if err := trows.Err(); err != nil {
		return nil, nil, err
	}

	p.logger.Debugw("Loaded shared state", "entries", len(entries), "tombstones", len(tombstones))
	return entries, tombstones, nil
}

// PurgeTombstonesBefore drops tombstones recorded before cutoff
func (p *SQLiteStatePersister) PurgeTombstonesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM shared_state_tombstones WHERE deleted_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	return res.RowsAffected()
}
