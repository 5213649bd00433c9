package storage

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vibrouter/router/internal/config"
	"github.com/vibrouter/router/internal/database"
	"github.com/vibrouter/router/internal/storage/gormstore"
	"github.com/vibrouter/router/internal/storage/memory"
)

// NewBackend creates a storage backend based on configuration. A Postgres
// backend that cannot connect falls back to SQLite.
func NewBackend(cfg config.StorageConfig, log zerolog.Logger) (Backend, error) {
	gcfg := gormstore.Config{FlushInterval: cfg.FlushInterval}

	switch cfg.Type {
	case "postgres":
		db, err := database.OpenPostgres(cfg.Postgres, log)
		if err == nil {
			return gormstore.New(db, gcfg, log), nil
		}
		log.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
		fallthrough
	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLite.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
		}
		if cfg.SQLite.Path == "" {
			gcfg.DumpPath = cfg.SQLite.DumpPath
			gcfg.DumpInterval = cfg.SQLite.DumpInterval
		}
		return gormstore.New(db, gcfg, log), nil
	case "memory", "":
		return memory.New(0), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
