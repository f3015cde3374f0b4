package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"tokenvault/internal/infra/persistence/postgres/testutil"
	"tokenvault/pkg/domain"
)

func record(url string, typ domain.PersistenceType) domain.PersistedToken {
	item := domain.Item{ID: "id-" + url, Type: domain.ItemTypeImage, Name: url, Image: &domain.ImageContent{URL: url}, Metadata: domain.Metadata{}}
	return domain.NewPersistedToken(item, typ, nil)
}

func openStub(t *testing.T) *testutil.StubConn {
	t.Helper()
	db, conn := testutil.NewStubDB()
	t.Cleanup(OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil }))
	return conn
}

func row(t *testing.T, position int, token domain.PersistedToken) testutil.Row {
	t.Helper()
	raw, err := json.Marshal(token)
	if err != nil {
		t.Fatalf("encode %s: %v", token.Key(), err)
	}
	return testutil.Row{"key": string(token.Key()), "position": int64(position), "record": raw}
}

func TestNewStoreCreatesSchemaAndLoadsRows(t *testing.T) {
	conn := openStub(t)
	conn.Tables["persisted_tokens"] = []testutil.Row{
		row(t, 0, record("goblin.png", domain.PersistenceTemplate)),
		row(t, 1, record("orc.png", domain.PersistenceUnique)),
	}
	conn.Tables["tokenvault_settings"] = []testutil.Row{{"name": settingsName, "value": []byte(`{"contextMenuEnabled":false}`)}}

	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got := store.ListTokens()
	if len(got) != 2 || got[0].Key() != "goblin.png" || got[1].Key() != "orc.png" || got[0].Type != domain.PersistenceTemplate {
		t.Fatalf("unexpected tokens %+v", got)
	}
	if store.Settings().ContextMenuEnabled {
		t.Fatalf("expected settings loaded from the settings table")
	}
	ddl := 0
	for _, stmt := range conn.Statements {
		if strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS") {
			ddl++
		}
	}
	if ddl != 2 {
		t.Fatalf("expected two DDL statements, got %v", conn.Statements)
	}
}

func TestNewStoreDefaultsSettings(t *testing.T) {
	openStub(t)
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if len(store.ListTokens()) != 0 || !store.Settings().ContextMenuEnabled {
		t.Fatalf("unexpected empty store state %+v %+v", store.ListTokens(), store.Settings())
	}
}

func TestRunInTransactionMirrorsRows(t *testing.T) {
	conn := openStub(t)
	store, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, url := range []string{"a.png", "b.png"} {
			if _, err := tx.PutToken(record(url, domain.PersistenceUnique)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tx.SetSettings(domain.Settings{ContextMenuEnabled: false})
		return tx.DeleteToken("a.png")
	})
	if err != nil {
		t.Fatalf("second RunInTransaction: %v", err)
	}

	rows := conn.Tables["persisted_tokens"]
	if len(rows) != 1 || rows[0]["key"] != "b.png" || rows[0]["position"] != int64(0) {
		t.Fatalf("unexpected mirrored rows %v", rows)
	}
	var token domain.PersistedToken
	if err := json.Unmarshal(rows[0]["record"].([]byte), &token); err != nil || token.Key() != "b.png" {
		t.Fatalf("unexpected record %s (%v)", rows[0]["record"], err)
	}
	settings := conn.Tables["tokenvault_settings"]
	if len(settings) != 1 || string(settings[0]["value"].([]byte)) != `{"contextMenuEnabled":false}` {
		t.Fatalf("unexpected settings rows %v", settings)
	}
	if conn.Commits != 2 {
		t.Fatalf("expected two commits, got %d", conn.Commits)
	}

	reopened, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.ListTokens(); len(got) != 1 || got[0].Key() != "b.png" || reopened.Settings().ContextMenuEnabled {
		t.Fatalf("reopened store mismatch %+v", got)
	}
}

func TestNewStoreErrors(t *testing.T) {
	cases := map[string]func(*testing.T, *testutil.StubConn){
		"ping":     func(_ *testing.T, c *testutil.StubConn) { c.FailPing = true },
		"ddl":      func(_ *testing.T, c *testutil.StubConn) { c.FailOn = []string{"CREATE TABLE"} },
		"select":   func(_ *testing.T, c *testutil.StubConn) { c.FailOn = []string{"FROM persisted_tokens"} },
		"settings": func(_ *testing.T, c *testutil.StubConn) { c.FailOn = []string{"FROM tokenvault_settings"} },
		"decode": func(_ *testing.T, c *testutil.StubConn) {
			c.Tables["persisted_tokens"] = []testutil.Row{{"key": "a.png", "position": int64(0), "record": []byte("nope")}}
		},
		"key mismatch": func(t *testing.T, c *testutil.StubConn) {
			r := row(t, 0, record("a.png", domain.PersistenceUnique))
			r["key"] = "b.png"
			c.Tables["persisted_tokens"] = []testutil.Row{r}
		},
	}
	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			conn := openStub(t)
			arrange(t, conn)
			if _, err := NewStore("", nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMirrorFailuresSurface(t *testing.T) {
	conn := openStub(t)
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	put := func(tx domain.Transaction) error {
		_, err := tx.PutToken(record("a.png", domain.PersistenceUnique))
		return err
	}
	ctx := context.Background()

	conn.FailCommit = true
	if _, err := store.RunInTransaction(ctx, put); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
	conn.FailCommit = false
	conn.FailBegin = true
	if _, err := store.RunInTransaction(ctx, put); err == nil || !strings.Contains(err.Error(), "begin") {
		t.Fatalf("expected begin failure, got %v", err)
	}
	conn.FailBegin = false
	conn.FailOn = []string{"INSERT INTO persisted_tokens"}
	before := conn.Rollbacks
	if _, err := store.RunInTransaction(ctx, put); err == nil || !strings.Contains(err.Error(), "write persisted token") {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if conn.Rollbacks == before {
		t.Fatalf("expected rollback after failed insert")
	}
}
