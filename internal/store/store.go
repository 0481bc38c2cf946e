// Package store opens the configured KV backend and builds the typed
// repositories on top of it.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"pushlink/internal/config"
	"pushlink/internal/domain"
	"pushlink/internal/store/memory"
	"pushlink/internal/store/postgres"
	"pushlink/internal/store/redis"
	"pushlink/internal/store/sqlite"
)

// Open connects to the backend named by cfg.StoreDriver and migrates it.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (domain.KV, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn().Msg("using in-memory store; data is lost on exit")
		return memory.NewKV(), nil

	case "redis":
		client, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to redis store")
		return redis.NewKV(client, redis.DefaultPrefix), nil

	case "postgres":
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info().Msg("connected to postgres store")
		return postgres.NewKV(db), nil

	case "sqlite", "":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return sqlite.NewKV(db), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newULID returns a lexically time-ordered id for t.
func newULID(t time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", fmt.Errorf("new ulid: %w", err)
	}
	return id.String(), nil
}
