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

// SQLiteCorrelationStore persists correlations, attack chains and correlation
// rules. It implements correlation.Repository.
type SQLiteCorrelationStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteCorrelationStore creates a correlation store on db
func NewSQLiteCorrelationStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteCorrelationStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLiteCorrelationStore{sqlite: sqlite, logger: logger}
}

// SaveCorrelation inserts or replaces a correlation
func (s *SQLiteCorrelationStore) SaveCorrelation(ctx context.Context, c core.EventCorrelation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO correlations (id, rule_id, type, entity_key, score, confirmed, window_start, window_end, detected_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			confirmed = excluded.confirmed,
			body = excluded.body`,
		c.ID, c.RuleID, string(c.Type), c.EntityKey, c.Score, c.Confirmed,
		nanos(c.WindowStart), nanos(c.WindowEnd), nanos(c.DetectedAt), string(body))
	if err != nil {
		return fmt.Errorf("failed to save correlation %s: %w", c.ID, err)
	}
	return nil
}

// GetCorrelation returns one correlation
func (s *SQLiteCorrelationStore) GetCorrelation(ctx context.Context, id string) (core.EventCorrelation, error) {
	var body string
	err := s.sqlite.ReadDB.QueryRowContext(ctx, `SELECT body FROM correlations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return core.EventCorrelation{}, fmt.Errorf("%w: %s", ErrCorrelationNotFound, id)
	}
	if err != nil {
		return core.EventCorrelation{}, fmt.Errorf("failed to query correlation %s: %w", id, err)
	}
	var c core.EventCorrelation
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return core.EventCorrelation{}, fmt.Errorf("failed to parse correlation %s: %w", id, err)
	}
	return c, nil
}

// ListCorrelations returns correlations newest first, optionally restricted
// to one rule. limit <= 0 returns all.
func (s *SQLiteCorrelationStore) ListCorrelations(ctx context.Context, ruleID string, limit int) ([]core.EventCorrelation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT body FROM correlations
		WHERE ? = '' OR rule_id = ?
		ORDER BY detected_at DESC, id ASC
		LIMIT ?`, ruleID, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	out := make([]core.EventCorrelation, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		var c core.EventCorrelation
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			s.logger.Warnw("Skipping unreadable correlation", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCorrelationsBefore removes correlations detected before cutoff
func (s *SQLiteCorrelationStore) DeleteCorrelationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM correlations WHERE detected_at < ?`, nanos(cutoff))
		if err != nil {
			return fmt.Errorf("failed to delete correlations: %w", err)
		}
		removed, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM attack_chains WHERE end_time < ?`, nanos(cutoff)); err != nil {
			return fmt.Errorf("failed to delete attack chains: %w", err)
		}
		return nil
	})
	return removed, err
}

// SaveAttackChain inserts or replaces an attack chain
func (s *SQLiteCorrelationStore) SaveAttackChain(ctx context.Context, c core.AttackChain) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal attack chain: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO attack_chains (id, confidence, start_time, end_time, stage_count, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = excluded.confidence,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			stage_count = excluded.stage_count,
			body = excluded.body`,
		c.ID, c.Confidence, nanos(c.StartTime), nanos(c.EndTime), len(c.Stages), string(body))
	if err != nil {
		return fmt.Errorf("failed to save attack chain %s: %w", c.ID, err)
	}
	return nil
}

// ListAttackChains returns chains ending most recently first
func (s *SQLiteCorrelationStore) ListAttackChains(ctx context.Context, limit int) ([]core.AttackChain, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT body FROM attack_chains ORDER BY end_time DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attack chains: %w", err)
	}
	defer rows.Close()

	out := make([]core.AttackChain, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan attack chain: %w", err)
		}
		var c core.AttackChain
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			s.logger.Warnw("Skipping unreadable attack chain", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveRule inserts or replaces a correlation rule
func (s *SQLiteCorrelationStore) SaveRule(ctx context.Context, r core.CorrelationRule) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation rule: %w", err)
	}
	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO correlation_rules (id, name, type, enabled, version, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			enabled = excluded.enabled,
			version = excluded.version,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		r.ID, r.Name, string(r.Type), r.Enabled, r.Version, nanos(r.UpdatedAt), string(body))
	if err != nil {
		return fmt.Errorf("failed to save correlation rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRule removes a correlation rule. Rules that were never stored, such
// as ones loaded from a rules file, delete without error.
func (s *SQLiteCorrelationStore) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM correlation_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete correlation rule %s: %w", id, err)
	}
	return nil
}

// LoadRules returns every stored rule ordered by id
func (s *SQLiteCorrelationStore) LoadRules(ctx context.Context) ([]core.CorrelationRule, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `SELECT id, body FROM correlation_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation rules: %w", err)
	}
	defer rows.Close()

	rules := make([]core.CorrelationRule, 0)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan correlation rule: %w", err)
		}
		var r core.CorrelationRule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			s.logger.Warnf("Failed to parse correlation rule %s: %v", id, err)
			continue
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlation rules: %w", err)
	}
	return rules, nil
}
