package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"castellan/core"

	"go.uber.org/zap"
)

// SQLiteDeadLetterStore keeps dead letters across restarts. It implements
// queue.DeadLetterStore.
type SQLiteDeadLetterStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteDeadLetterStore creates a dead letter store on db
func NewSQLiteDeadLetterStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteDeadLetterStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLiteDeadLetterStore{sqlite: sqlite, logger: logger}
}

// Add stores a dead letter. Adding the same id twice keeps the first.
func (s *SQLiteDeadLetterStore) Add(ctx context.Context, dl core.DeadLetter) error {
	if dl.Event == nil || dl.Event.Event == nil {
		return core.ValidationError("add dead letter", fmt.Errorf("%w: dead letter %s has no event", core.ErrInvalidEvent, dl.ID))
	}
	body, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter event: %w", err)
	}

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO dead_letters
			(id, event_id, event_type, source, reason, retry_count, last_error, event, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.Event.EventID(), dl.Event.Event.EventType, dl.Event.Event.Source, dl.Reason,
		dl.Event.RetryCount, dl.Event.LastError, string(body), dl.DeadLetteredAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", dl.ID, err)
	}
	return nil
}

// List returns dead letters newest first. limit <= 0 returns all.
func (s *SQLiteDeadLetterStore) List(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, reason, event, dead_lettered_at
		FROM dead_letters
		ORDER BY dead_lettered_at DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]core.DeadLetter, 0)
	for rows.Next() {
		dl, err := s.scan(rows)
		if err != nil {
			s.logger.Warnw("Skipping unreadable dead letter", "error", err)
			continue
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

// Get returns one dead letter by id
func (s *SQLiteDeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetter, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT id, reason, event, dead_lettered_at FROM dead_letters WHERE id = ?`, id)
	dl, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return dl, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteDeadLetterStore) scan(row scanner) (core.DeadLetter, error) {
	var dl core.DeadLetter
	var body string
	var at int64
	if err := row.Scan(&dl.ID, &dl.Reason, &body, &at); err != nil {
		return core.DeadLetter{}, err
	}
	dl.DeadLetteredAt = time.Unix(0, at).UTC()
	dl.Event = &core.QueuedEvent{}
	if err := json.Unmarshal([]byte(body), dl.Event); err != nil {
		return core.DeadLetter{}, fmt.Errorf("failed to parse dead letter %s: %w", dl.ID, err)
	}
	return dl, nil
}

// Count returns the number of dead letters
func (s *SQLiteDeadLetterStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// EventIDs returns the distinct ids of every dead-lettered event
func (s *SQLiteDeadLetterStore) EventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `SELECT DISTINCT event_id FROM dead_letters`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter event ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Contains reports whether eventID was dead-lettered
func (s *SQLiteDeadLetterStore) Contains(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT 1 FROM dead_letters WHERE event_id = ? LIMIT 1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up dead letter for %s: %w", eventID, err)
	}
	return true, nil
}

// Purge removes every dead letter
func (s *SQLiteDeadLetterStore) Purge(ctx context.Context) (int, error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Infow("Purged dead letters", "count", n)
	return int(n), nil
}

// PurgeBefore removes dead letters older than cutoff
func (s *SQLiteDeadLetterStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE dead_lettered_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge old dead letters: %w", err)
	}
	return res.RowsAffected()
}
