package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration is one forward schema change
type Migration struct {
	Version     string // semantic version, e.g. "1.0.0"
	Name        string
	Description string
	Up          func(*sql.Tx) error
	Checksum    string // derived from version and name when empty
}

// MigrationRecord is a row of schema_migrations
type MigrationRecord struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
	Duration  time.Duration
}

// MigrationStatus summarises the migration state of a database
type MigrationStatus struct {
	Registered int      `json:"registered"`
	Applied    int      `json:"applied"`
	Pending    int      `json:"pending"`
	Latest     string   `json:"latest"`
	Issues     []string `json:"issues,omitempty"`
}

// MigrationRunner applies registered migrations in version order, each in its
// own transaction
type MigrationRunner struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner creates a runner and the schema_migrations table
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	r := &MigrationRunner{db: db, logger: logger}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	return r, nil
}

// Register adds a migration
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		sum := sha256.Sum256([]byte(m.Version + ":" + m.Name))
		m.Checksum = hex.EncodeToString(sum[:8])
	}
	r.migrations = append(r.migrations, m)
}

// GetAppliedMigrations returns applied migrations in version order
func (r *MigrationRunner) GetAppliedMigrations() ([]MigrationRecord, error) {
	rows, err := r.db.Query(`SELECT version, name, checksum, applied_at, duration_ms FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt, durationMS int64
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &appliedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		rec.AppliedAt = time.Unix(0, appliedAt).UTC()
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return compareVersions(records[i].Version, records[j].Version) < 0
	})
	return records, nil
}

// GetPendingMigrations returns registered migrations not yet applied, in
// version order
func (r *MigrationRunner) GetPendingMigrations() ([]Migration, error) {
	applied, err := r.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, rec := range applied {
		done[rec.Version] = true
	}

	var pending []Migration
	for _, m := range r.migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})
	return pending, nil
}

// RunMigrations applies all pending migrations
func (r *MigrationRunner) RunMigrations() error {
	pending, err := r.GetPendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.logger.Debug("No pending migrations")
		return nil
	}

	r.logger.Infof("Running %d pending migrations", len(pending))
	for _, m := range pending {
		if err := r.runMigration(m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// runMigration applies one migration and records it in the same transaction.
// A panicking migration is rolled back and reported as an error.
func (r *MigrationRunner) runMigration(m Migration) (err error) {
	start := time.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration Up() failed: %w", err)
	}

	duration := time.Since(start)
	_, err = tx.Exec(`INSERT INTO schema_migrations (version, name, checksum, applied_at, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		m.Version, m.Name, m.Checksum, time.Now().UnixNano(), duration.Milliseconds())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	r.logger.Infof("Migration %s (%s) completed in %s", m.Version, m.Name, duration)
	return nil
}

// VerifyIntegrity reports applied migrations whose checksum drifted or that
// are no longer registered
func (r *MigrationRunner) VerifyIntegrity() ([]string, error) {
	applied, err := r.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}
	registered := make(map[string]Migration, len(r.migrations))
	for _, m := range r.migrations {
		registered[m.Version] = m
	}

	var issues []string
	for _, rec := range applied {
		m, ok := registered[rec.Version]
		switch {
		case !ok:
			issues = append(issues, fmt.Sprintf("migration %s was applied but is not registered", rec.Version))
		case m.Checksum != rec.Checksum:
			issues = append(issues, fmt.Sprintf("migration %s checksum mismatch: applied=%s, registered=%s",
				rec.Version, rec.Checksum, m.Checksum))
		}
	}
	return issues, nil
}

// GetMigrationStatus summarises applied, pending and drifted migrations
func (r *MigrationRunner) GetMigrationStatus() (MigrationStatus, error) {
	applied, err := r.GetAppliedMigrations()
	if err != nil {
		return MigrationStatus{}, err
	}
	pending, err := r.GetPendingMigrations()
	if err != nil {
		return MigrationStatus{}, err
	}
	issues, err := r.VerifyIntegrity()
	if err != nil {
		return MigrationStatus{}, err
	}

	st := MigrationStatus{
		Registered: len(r.migrations),
		Applied:    len(applied),
		Pending:    len(pending),
		Issues:     issues,
	}
	if len(applied) > 0 {
		st.Latest = applied[len(applied)-1].Version
	}
	return st, nil
}

// compareVersions compares two dotted versions numerically
func compareVersions(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")
	n := len(partsA)
	if len(partsB) > n {
		n = len(partsB)
	}
	for i := 0; i < n; i++ {
		var numA, numB int
		if i < len(partsA) {
			fmt.Sscanf(partsA[i], "%d", &numA)
		}
		if i < len(partsB) {
			fmt.Sscanf(partsB[i], "%d", &numB)
		}
		if numA != numB {
			if numA < numB {
				return -1
			}
			return 1
		}
	}
	return 0
}

// validateSQLIdentifier accepts letters, digits and underscores, not starting
// with a digit
func validateSQLIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("SQL identifier cannot be empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		letter := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
		if !letter && (i == 0 || c < '0' || c > '9') {
			return fmt.Errorf("invalid SQL identifier %q at position %d", name, i)
		}
	}
	return nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	var count int
	err := tx.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?", table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// addColumnIfNotExists makes column additions idempotent
func addColumnIfNotExists(tx *sql.Tx, table, column, definition string) error {
	if err := validateSQLIdentifier(table); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	if err := validateSQLIdentifier(column); err != nil {
		return fmt.Errorf("invalid column name: %w", err)
	}
	exists, err := columnExists(tx, table, column)
	if err != nil || exists {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func createIndexIfNotExists(tx *sql.Tx, indexName, table, columns string) error {
	if err := validateSQLIdentifier(indexName); err != nil {
		return fmt.Errorf("invalid index name: %w", err)
	}
	if err := validateSQLIdentifier(table); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}
	for _, col := range strings.Split(columns, ",") {
		if err := validateSQLIdentifier(strings.TrimSpace(col)); err != nil {
			return fmt.Errorf("invalid column name in index: %w", err)
		}
	}
	_, err := tx.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", indexName, table, columns))
	return err
}
