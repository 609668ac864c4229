package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ajiaco/internal/infra/persistence/memory"
	"ajiaco/internal/infra/persistence/postgres"
	"ajiaco/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / demo)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and parameterises the storage backend.
type StorageConfig struct {
	Driver      StorageDriver `mapstructure:"driver"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
}

// OpenPersistentStore builds the configured backend. An empty driver selects sqlite.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *RulesEngine, log *zap.Logger) (PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine, sqlite.WithLogger(log))
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine, postgres.WithLogger(log))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
