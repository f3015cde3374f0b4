package domain

import (
	"context"
	"fmt"
)

// EntityType identifies the kind of record captured in a Change.
type EntityType string

// Entity types stored by the persisted token store.
const (
	// EntityPersistedToken identifies a persisted token record.
	EntityPersistedToken EntityType = "persisted_token"
	// EntitySettings identifies the store-wide settings record.
	EntitySettings EntityType = "settings"
)

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change records one mutation inside a transaction. Before and After hold
// PersistedToken or Settings values; nil marks absence.
type Change struct {
	Entity EntityType
	Action Action
	Key    Key
	Before any
	After  any
}

// Settings are the store-wide preferences persisted next to the tokens.
type Settings struct {
	ContextMenuEnabled bool `json:"contextMenuEnabled"`
}

// DefaultSettings mirrors a fresh install: context menus on.
func DefaultSettings() Settings {
	return Settings{ContextMenuEnabled: true}
}

// ErrNotFound is returned when a keyed record does not exist.
type ErrNotFound struct {
	Entity EntityType
	Key    Key
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// Transaction is a mutable unit of work over a cloned store state.
type Transaction interface {
	Snapshot() TransactionView
	FindToken(key Key) (PersistedToken, bool)
	// PutToken inserts or replaces the record for token.Key(), keeping the
	// position of an existing record.
	PutToken(token PersistedToken) (PersistedToken, error)
	UpdateToken(key Key, mutator func(*PersistedToken) error) (PersistedToken, error)
	DeleteToken(key Key) error
	SetSettings(settings Settings)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListTokens() []PersistedToken
	FindToken(key Key) (PersistedToken, bool)
	Settings() Settings
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetToken(key Key) (PersistedToken, bool)
	ListTokens() []PersistedToken
	Settings() Settings
}
