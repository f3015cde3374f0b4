package core

import (
	"fmt"
	"os"

	"tokenvault/internal/infra/persistence/memory"
	"tokenvault/internal/infra/persistence/postgres"
	"tokenvault/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	MemoryStore   = memory.Store
	SQLiteStore   = sqlite.Store
	PostgresStore = postgres.Store
)

// StorageConfig selects and parameterizes a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// StorageConfigFromEnv reads the storage environment variables.
//
//	TOKENVAULT_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TOKENVAULT_SQLITE_PATH: path to sqlite file (default ./tokenvault.db)
//	TOKENVAULT_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageConfigFromEnv() StorageConfig {
	cfg := StorageConfig{
		Driver:      StorageDriver(os.Getenv("TOKENVAULT_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("TOKENVAULT_SQLITE_PATH"),
		PostgresDSN: os.Getenv("TOKENVAULT_POSTGRES_DSN"),
	}
	if cfg.Driver == "" {
		cfg.Driver = StorageSQLite
	}
	return cfg
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	return OpenStorage(StorageConfigFromEnv(), engine)
}

// OpenStorage opens the backend described by cfg.
func OpenStorage(cfg StorageConfig, engine *RulesEngine) (PersistentStore, error) {
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite, "":
		store, err := NewSQLiteStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := NewPostgresStore(cfg.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// NewMemoryStore constructs an in-memory store.
func NewMemoryStore(engine *RulesEngine) *MemoryStore {
	return memory.NewStore(engine)
}

// NewSQLiteStore constructs a SQLite-backed persistent store using the
// provided file path (may be empty for default) and rules engine.
func NewSQLiteStore(path string, engine *RulesEngine) (*SQLiteStore, error) {
	return sqlite.NewStore(path, engine)
}

// NewPostgresStore constructs a Postgres-backed store from the provided DSN.
func NewPostgresStore(dsn string, engine *RulesEngine) (*PostgresStore, error) {
	return postgres.NewStore(dsn, engine)
}
