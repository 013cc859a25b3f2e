package storage

import (
	"database/sql"
)

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSQLiteMigrations registers the coordinator schema. Times are stored
// as UTC unix nanoseconds, 0 meaning unset.
func RegisterSQLiteMigrations(runner *MigrationRunner) {
	runner.Register(Migration{
		Version:     "1.0.0",
		Name:        "dead_letters",
		Description: "Events that exhausted their processing attempts",
		Up: func(tx *sql.Tx) error {
			if err := execAll(tx, `
			CREATE TABLE IF NOT EXISTS dead_letters (
				id TEXT PRIMARY KEY,
				event_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				reason TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				event TEXT NOT NULL,
				dead_lettered_at INTEGER NOT NULL
			)`); err != nil {
				return err
			}
			if err := createIndexIfNotExists(tx, "idx_dead_letters_event_id", "dead_letters", "event_id"); err != nil {
				return err
			}
			return createIndexIfNotExists(tx, "idx_dead_letters_at", "dead_letters", "dead_lettered_at")
		},
	})

	runner.Register(Migration{
		Version:     "1.1.0",
		Name:        "shared_state",
		Description: "Write-through copy of the shared state store and delete tombstones",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS shared_state (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				version INTEGER NOT NULL,
				modified_by TEXT,
				created_at INTEGER NOT NULL,
				modified_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL DEFAULT 0
			)`, `
			CREATE TABLE IF NOT EXISTS shared_state_tombstones (
				key TEXT PRIMARY KEY,
				version INTEGER NOT NULL,
				deleted_at INTEGER NOT NULL
			)`)
		},
	})

	runner.Register(Migration{
		Version:     "1.2.0",
		Name:        "correlations",
		Description: "Emitted correlations and inferred attack chains",
		Up: func(tx *sql.Tx) error {
			if err := execAll(tx, `
			CREATE TABLE IF NOT EXISTS correlations (
				id TEXT PRIMARY KEY,
				rule_id TEXT NOT NULL,
				type TEXT NOT NULL,
				entity_key TEXT NOT NULL,
				score REAL NOT NULL,
				confirmed INTEGER NOT NULL DEFAULT 0,
				window_start INTEGER NOT NULL,
				window_end INTEGER NOT NULL,
				detected_at INTEGER NOT NULL,
				body TEXT NOT NULL
			)`, `
			CREATE TABLE IF NOT EXISTS attack_chains (
				id TEXT PRIMARY KEY,
				confidence REAL NOT NULL,
				start_time INTEGER NOT NULL,
				end_time INTEGER NOT NULL,
				stage_count INTEGER NOT NULL,
				body TEXT NOT NULL
			)`); err != nil {
				return err
			}
			for _, idx := range []struct{ name, table, cols string }{
				{"idx_correlations_rule_id", "correlations", "rule_id"},
				{"idx_correlations_detected_at", "correlations", "detected_at"},
				{"idx_attack_chains_end_time", "attack_chains", "end_time"},
			} {
				if err := createIndexIfNotExists(tx, idx.name, idx.table, idx.cols); err != nil {
					return err
				}
			}
			return nil
		},
	})

	runner.Register(Migration{
		Version:     "1.3.0",
		Name:        "correlation_rules",
		Description: "Correlation rule definitions",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS correlation_rules (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				version INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				body TEXT NOT NULL
			)`)
		},
	})

	runner.Register(Migration{
		Version:     "1.4.0",
		Name:        "dead_letter_source",
		Description: "Record the event source on dead letters for triage",
		Up: func(tx *sql.Tx) error {
			return addColumnIfNotExists(tx, "dead_letters", "source", "TEXT NOT NULL DEFAULT ''")
		},
	})

	runner.Register(Migration{
		Version:     "1.5.0",
		Name:        "pending_events",
		Description: "Queued events saved at shutdown and reloaded at startup",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS pending_events (
				event_id TEXT PRIMARY KEY,
				priority INTEGER NOT NULL,
				sequence INTEGER NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				enqueued_at INTEGER NOT NULL,
				event TEXT NOT NULL
			)`)
		},
	})
}
