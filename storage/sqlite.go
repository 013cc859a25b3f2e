package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the coordinator's durable state: dead letters, shared state
// entries, correlations and rules.
// Reads and writes use separate pools so WAL readers never queue behind the
// single writer.
type SQLite struct {
	WriteDB *sql.DB // MaxOpenConns=1, WAL allows one writer
	ReadDB  *sql.DB // query_only, concurrent readers
	Path    string
	Logger  *zap.SugaredLogger
}

// configureSQLiteConnection sets WAL mode, foreign keys and the busy timeout
// on a pool and verifies they took effect
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	// connection string params are not applied reliably, so use PRAGMA
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)

	return nil
}

// NewSQLite opens the database, configures both pools and applies pending
// migrations
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// both pools must see the same in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // in-memory databases vanish with their last connection
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}
	var queryOnly int
	if err := readDB.QueryRow("PRAGMA query_only").Scan(&queryOnly); err != nil || queryOnly != 1 {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("query_only mode not enabled on read pool (got: %d, err: %v)", queryOnly, err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.RunMigrations(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, err
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)
	return s, nil
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunMigrations applies every pending schema migration
func (s *SQLite) RunMigrations() error {
	runner, err := NewMigrationRunner(s.WriteDB, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create migration runner: %w", err)
	}
	RegisterSQLiteMigrations(runner)

	if err := runner.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	status, err := runner.GetMigrationStatus()
	if err != nil {
		s.Logger.Warnf("Failed to get migration status: %v", err)
	} else {
		s.Logger.Infof("Migration status: %d applied, %d pending (latest %s)",
			status.Applied, status.Pending, status.Latest)
	}
	return nil
}

// Close closes both pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}

// PoolStats is a snapshot of one connection pool
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// ConnectionPoolStats covers the read and write pools
type ConnectionPoolStats struct {
	WritePool PoolStats `json:"write_pool"`
	ReadPool  PoolStats `json:"read_pool"`
}

func poolStats(st sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpenConnections: st.MaxOpenConnections,
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		WaitCount:          st.WaitCount,
		WaitDuration:       st.WaitDuration,
	}
}

// GetConnectionPoolStats returns current connection pool statistics
func (s *SQLite) GetConnectionPoolStats() ConnectionPoolStats {
	return ConnectionPoolStats{
		WritePool: poolStats(s.WriteDB.Stats()),
		ReadPool:  poolStats(s.ReadDB.Stats()),
	}
}

// Gauges flattens pool statistics for metrics.ComponentCollector
func (s *SQLite) Gauges() map[string]float64 {
	st := s.GetConnectionPoolStats()
	out := make(map[string]float64, 10)
	for name, p := range map[string]PoolStats{"write": st.WritePool, "read": st.ReadPool} {
		out[name+"_open_connections"] = float64(p.OpenConnections)
		out[name+"_in_use"] = float64(p.InUse)
		out[name+"_idle"] = float64(p.Idle)
		out[name+"_wait_count"] = float64(p.WaitCount)
		out[name+"_wait_seconds"] = p.WaitDuration.Seconds()
	}
	return out
}

// validateDatabasePath rejects paths that escape the working directory, carry
// ".." or null bytes, or name a Windows reserved device. Absolute paths are
// only accepted under the temp directory.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}

	if filepath.IsAbs(dbPath) && !strings.HasPrefix(dbPath, os.TempDir()) {
		return fmt.Errorf("absolute paths not allowed: %s", dbPath)
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}

	base := strings.ToUpper(filepath.Base(dbPath))
	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3", "LPT4",
		"LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}
	for _, r := range reserved {
		if base == r || strings.HasPrefix(base, r+".") {
			return fmt.Errorf("reserved name not allowed: %s", filepath.Base(dbPath))
		}
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if strings.HasPrefix(absPath, os.TempDir()) {
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	rel, err := filepath.Rel(wd, absPath)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes working directory: %s resolves to %s", dbPath, absPath)
	}
	return nil
}
