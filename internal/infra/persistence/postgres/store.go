// Package postgres keeps the persisted token list in Postgres. Transactions
// run against the embedded memory store; after each commit the whole list is
// rewritten, one row per record, inside a single SQL transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tokenvault/internal/infra/persistence/memory"
	"tokenvault/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/tokenvault?sslmode=disable"

	settingsName = "store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS persisted_tokens (
		key TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		record JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokenvault_settings (
		name TEXT PRIMARY KEY,
		value JSONB NOT NULL
	)`,
}

var (
	openMu  sync.Mutex
	sqlOpen = sql.Open
)

// Store is a memory.Store mirrored into Postgres.
type Store struct {
	*memory.Store
	db *sql.DB

	// writeMu orders mirror writes so a slower commit cannot overwrite a newer one.
	writeMu sync.Mutex
}

// NewStore connects to dsn (a local default when empty), creates the tables
// if needed and loads the stored records.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	snapshot, err := load(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction commits in memory first, then mirrors the result.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.mirror(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the connection pool.
func (s *Store) DB() *sql.DB { return s.db }

func load(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	tokens, err := loadTokens(ctx, db)
	if err != nil {
		return memory.Snapshot{}, err
	}
	snapshot := memory.Snapshot{Tokens: tokens, Settings: domain.DefaultSettings()}

	var raw []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM tokenvault_settings WHERE name = $1`, settingsName).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return memory.Snapshot{}, fmt.Errorf("load settings: %w", err)
	default:
		if err := json.Unmarshal(raw, &snapshot.Settings); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return snapshot, nil
}

func loadTokens(ctx context.Context, db *sql.DB) ([]domain.PersistedToken, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, record FROM persisted_tokens ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load persisted tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var tokens []domain.PersistedToken
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan persisted token: %w", err)
		}
		var token domain.PersistedToken
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, fmt.Errorf("decode persisted token %s: %w", key, err)
		}
		if token.Key() != domain.Key(key) {
			return nil, fmt.Errorf("persisted token %s: record key is %q", key, token.Key())
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load persisted tokens: %w", err)
	}
	return tokens, nil
}

func (s *Store) mirror(ctx context.Context) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	snapshot := s.ExportState()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM persisted_tokens`); err != nil {
		return fmt.Errorf("clear persisted tokens: %w", err)
	}
	for i, token := range snapshot.Tokens {
		var raw []byte
		if raw, err = json.Marshal(token); err != nil {
			return fmt.Errorf("encode persisted token %s: %w", token.Key(), err)
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO persisted_tokens (key, position, record) VALUES ($1, $2, $3)`, string(token.Key()), i, raw); err != nil {
			return fmt.Errorf("write persisted token %s: %w", token.Key(), err)
		}
	}
	raw, err := json.Marshal(snapshot.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO tokenvault_settings (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, settingsName, raw); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror: %w", err)
	}
	return nil
}

// OverrideSQLOpen replaces the connection opener and returns a function
// restoring the previous one.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
