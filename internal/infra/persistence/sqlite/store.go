// Package sqlite keeps the persisted token list in a SQLite file. The embedded
// memory store runs transactions; after each commit only the records whose
// encoding or position changed are written back.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tokenvault/internal/infra/persistence/memory"
	"tokenvault/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

const settingsName = "store"

const schema = `
CREATE TABLE IF NOT EXISTS persisted_tokens (
	key TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tokenvault_settings (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// row is what was last written for one key.
type row struct {
	position int
	record   string
}

// Store is a memory.Store mirrored into SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string

	mu       sync.Mutex
	written  map[domain.Key]row
	settings string
}

// NewStore opens (creating if needed) the database at path and loads it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "tokenvault.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path, written: make(map[domain.Key]row)}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT key, position, record FROM persisted_tokens ORDER BY position`)
	if err != nil {
		return fmt.Errorf("load persisted tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Settings: domain.DefaultSettings()}
	for rows.Next() {
		var key string
		var r row
		if err := rows.Scan(&key, &r.position, &r.record); err != nil {
			return fmt.Errorf("scan persisted token: %w", err)
		}
		var token domain.PersistedToken
		if err := json.Unmarshal([]byte(r.record), &token); err != nil {
			return fmt.Errorf("decode persisted token %s: %w", key, err)
		}
		snapshot.Tokens = append(snapshot.Tokens, token)
		s.written[domain.Key(key)] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load persisted tokens: %w", err)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	err = s.db.QueryRow(`SELECT value FROM tokenvault_settings WHERE name = ?`, settingsName).Scan(&s.settings)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load settings: %w", err)
	default:
		if err := json.Unmarshal([]byte(s.settings), &snapshot.Settings); err != nil {
			return fmt.Errorf("decode settings: %w", err)
		}
	}
	s.ImportState(snapshot)
	return nil
}

// RunInTransaction commits in memory first, then writes the changed rows.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()

	next := make(map[domain.Key]row, len(snapshot.Tokens))
	for i, token := range snapshot.Tokens {
		raw, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("encode persisted token %s: %w", token.Key(), err)
		}
		next[token.Key()] = row{position: i, record: string(raw)}
	}
	rawSettings, err := json.Marshal(snapshot.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for key := range s.written {
		if _, ok := next[key]; ok {
			continue
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM persisted_tokens WHERE key = ?`, string(key)); err != nil {
			return fmt.Errorf("delete persisted token %s: %w", key, err)
		}
	}
	for key, r := range next {
		if s.written[key] == r {
			continue
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO persisted_tokens (key, position, record) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET position = excluded.position, record = excluded.record`, string(key), r.position, r.record); err != nil {
			return fmt.Errorf("write persisted token %s: %w", key, err)
		}
	}
	if string(rawSettings) != s.settings {
		if _, err = tx.ExecContext(ctx, `INSERT INTO tokenvault_settings (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value`, settingsName, string(rawSettings)); err != nil {
			return fmt.Errorf("write settings: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	s.written = next
	s.settings = string(rawSettings)
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
