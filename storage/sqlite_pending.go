package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"castellan/core"

	"go.uber.org/zap"
)

// SQLitePendingStore keeps the queue snapshot taken at shutdown. It
// implements queue.PendingStore.
type SQLitePendingStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLitePendingStore creates a pending event store on db
func NewSQLitePendingStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLitePendingStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLitePendingStore{sqlite: sqlite, logger: logger}
}

// SavePending replaces the snapshot in one transaction. A repeated event id
// keeps its first occurrence.
func (s *SQLitePendingStore) SavePending(ctx context.Context, events []*core.QueuedEvent) error {
	return s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_events`); err != nil {
			return fmt.Errorf("failed to clear pending events: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO pending_events
				(event_id, priority, sequence, retry_count, enqueued_at, event)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare pending insert: %w", err)
		}
		defer stmt.Close()

		for _, qe := range events {
			if qe == nil || qe.Event == nil {
				continue
			}
			body, err := json.Marshal(qe)
			if err != nil {
				return fmt.Errorf("failed to marshal pending event %s: %w", qe.EventID(), err)
			}
			if _, err := stmt.ExecContext(ctx, qe.EventID(), qe.Priority, int64(qe.Sequence),
				qe.RetryCount, qe.EnqueuedAt.UTC().UnixNano(), string(body)); err != nil {
				return fmt.Errorf("failed to insert pending event %s: %w", qe.EventID(), err)
			}
		}
		return nil
	})
}

// LoadPending returns the snapshot in its original enqueue order
func (s *SQLitePendingStore) LoadPending(ctx context.Context) ([]*core.QueuedEvent, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT event_id, event FROM pending_events ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	out := make([]*core.QueuedEvent, 0)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan pending event: %w", err)
		}
		qe := &core.QueuedEvent{}
		if err := json.Unmarshal([]byte(body), qe); err != nil {
			s.logger.Warnw("Skipping unreadable pending event", "event_id", id, "error", err)
			continue
		}
		out = append(out, qe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending events: %w", err)
	}
	return out, nil
}

// ClearPending removes the snapshot
func (s *SQLitePendingStore) ClearPending(ctx context.Context) error {
	if _, err := s.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM pending_events`); err != nil {
		return fmt.Errorf("failed to clear pending events: %w", err)
	}
	return nil
}
