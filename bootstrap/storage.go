package bootstrap

import (
	"context"
	"fmt"
	"time"

	"castellan/config"
	"castellan/state"
	"castellan/storage"

	"go.uber.org/zap"
)

// StorageComponents holds the SQLite-backed stores.
type StorageComponents struct {
	SQLite       *storage.SQLite
	DeadLetters  *storage.SQLiteDeadLetterStore
	StateStore   *storage.SQLiteStatePersister
	Correlations *storage.SQLiteCorrelationStore
	Pending      *storage.SQLitePendingStore
}

// Close releases the SQLite connection pools
func (s *StorageComponents) Close() error {
	if s == nil || s.SQLite == nil {
		return nil
	}
	return s.SQLite.Close()
}

// retryDelays is the backoff between connection attempts to Redis and NATS
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// connectWithRetry calls connect until it succeeds or the retry budget is
// spent. The fatal banner is printed only after the last attempt.
func connectWithRetry[T any](ctx context.Context, service, addr string, sugar *zap.SugaredLogger, connect func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)
	maxRetries := len(retryDelays)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			sugar.Infow("Retrying connection",
				"service", service,
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, lastErr = connect(ctx)
		if lastErr == nil {
			sugar.Infof("Connected to %s successfully", service)
			return result, nil
		}

		sugar.Warnw("Connection attempt failed",
			"service", service,
			"attempt", attempt+1,
			"error", lastErr)
	}

	printFatal(service+" Connection Failed", ClassifyConnectionError(lastErr, service, addr))
	return result, fmt.Errorf("failed to connect to %s after %d attempts: %w", service, maxRetries+1, lastErr)
}

// InitSQLite opens the SQLite database and runs migrations.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, dirs.SQLite))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Info("SQLite initialized successfully")
	return sqlite, nil
}

// InitStorage builds the SQLite-backed stores.
func InitStorage(ctx context.Context, sqlite *storage.SQLite, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	if sqlite == nil {
		return nil, fmt.Errorf("SQLite is required for coordinator storage")
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlite.HealthCheck(hctx); err != nil {
		return nil, fmt.Errorf("SQLite health check failed: %w", err)
	}

	components := &StorageComponents{
		SQLite:       sqlite,
		DeadLetters:  storage.NewSQLiteDeadLetterStore(sqlite, sugar),
		StateStore:   storage.NewSQLiteStatePersister(sqlite, sugar),
		Correlations: storage.NewSQLiteCorrelationStore(sqlite, sugar),
		Pending:      storage.NewSQLitePendingStore(sqlite, sugar),
	}
	sugar.Info("Dead letter, pending event, state and correlation storage initialized successfully")
	return components, nil
}

// InitState builds the configured shared state backend. The memory backend
// writes through to SQLite when persistence is enabled and reloads its
// entries before serving.
func InitState(ctx context.Context, cfg *config.Config, stores *StorageComponents, sugar *zap.SugaredLogger) (state.Store, error) {
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		rcfg := cfg.State.Redis
		store, err := connectWithRetry(ctx, "Redis", rcfg.Addr, sugar, func(ctx context.Context) (*state.RedisStore, error) {
			return state.NewRedisStore(ctx, rcfg, sugar)
		})
		if err != nil {
			return nil, err
		}
		sugar.Infow("Shared state backed by Redis", "addr", rcfg.Addr, "prefix", rcfg.KeyPrefix)
		return store, nil

	default:
		var persister state.Persister
		if cfg.State.Persist && stores != nil {
			persister = stores.StateStore
		}
		store := state.NewMemoryStore(cfg.State.Memory, persister, sugar)
		if persister != nil {
			lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := store.Load(lctx)
			cancel()
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("failed to load persisted state: %w", err)
			}
			sugar.Infow("Shared state restored from SQLite", "entries", n)
		}
		store.StartJanitor(cfg.State.Memory.JanitorInterval)
		sugar.Infow("Shared state backed by memory", "persist", persister != nil)
		return store, nil
	}
}
