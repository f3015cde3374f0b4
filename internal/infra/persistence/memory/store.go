// Package memory provides an in-memory implementation of the persisted token
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tokenvault/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// PersistedToken aliases domain.PersistedToken.
	PersistedToken = domain.PersistedToken
	// Key aliases domain.Key.
	Key = domain.Key
	// Settings aliases domain.Settings.
	Settings = domain.Settings
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// memoryState keeps records keyed by identity key plus their insertion order.
type memoryState struct {
	tokens   map[Key]PersistedToken
	order    []Key
	settings Settings
}

// Snapshot captures a point-in-time clone of the store state. Tokens are in
// insertion order.
type Snapshot struct {
	Tokens   []PersistedToken `json:"tokens"`
	Settings Settings         `json:"settings"`
}

func newMemoryState() memoryState {
	return memoryState{
		tokens:   make(map[Key]PersistedToken),
		settings: domain.DefaultSettings(),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot{Tokens: state.list(), Settings: state.settings}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	state.settings = s.Settings
	for _, token := range s.Tokens {
		state.put(token.Clone())
	}
	return state
}

// migrateSnapshot drops records without an identity key, keeps the last
// record per key and normalizes disabled property sets.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Tokens == nil {
		snapshot.Tokens = []PersistedToken{}
	}
	seen := make(map[Key]int, len(snapshot.Tokens))
	out := make([]PersistedToken, 0, len(snapshot.Tokens))
	for _, token := range snapshot.Tokens {
		key := token.Key()
		if key == "" || !token.Type.Valid() {
			continue
		}
		token.DisabledProperties = domain.NormalizeProperties(token.DisabledProperties)
		if idx, ok := seen[key]; ok {
			out[idx] = token
			continue
		}
		seen[key] = len(out)
		out = append(out, token)
	}
	snapshot.Tokens = out
	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		tokens:   make(map[Key]PersistedToken, len(s.tokens)),
		order:    slices.Clone(s.order),
		settings: s.settings,
	}
	for k, v := range s.tokens {
		cloned.tokens[k] = v.Clone()
	}
	return cloned
}

func (s memoryState) list() []PersistedToken {
	out := make([]PersistedToken, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.tokens[key].Clone())
	}
	return out
}

// put upserts token, appending new keys to the order.
func (s *memoryState) put(token PersistedToken) {
	key := token.Key()
	if _, exists := s.tokens[key]; !exists {
		s.order = append(s.order, key)
	}
	s.tokens[key] = token
}

func (s *memoryState) remove(key Key) {
	delete(s.tokens, key)
	s.order = slices.DeleteFunc(s.order, func(k Key) bool { return k == key })
}

// Store provides an in-memory transactional store for persisted tokens.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine so callers can register rules.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

type transaction struct {
	state   memoryState
	changes []Change
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListTokens returns all records in insertion order.
func (v transactionView) ListTokens() []PersistedToken {
	return v.state.list()
}

// FindToken retrieves a record by key.
func (v transactionView) FindToken(key Key) (PersistedToken, bool) {
	t, ok := v.state.tokens[key]
	if !ok {
		return PersistedToken{}, false
	}
	return t.Clone(), true
}

// Settings returns the store-wide settings.
func (v transactionView) Settings() Settings {
	return v.state.settings
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the live state only when fn succeeds and no blocking rule
// fires.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindToken exposes record lookup within the transaction scope.
func (tx *transaction) FindToken(key Key) (PersistedToken, bool) {
	return newTransactionView(&tx.state).FindToken(key)
}

// PutToken inserts or replaces the record stored under token.Key().
func (tx *transaction) PutToken(token PersistedToken) (PersistedToken, error) {
	key := token.Key()
	if key == "" {
		return PersistedToken{}, fmt.Errorf("persisted token has no identity key")
	}
	if !token.Type.Valid() {
		return PersistedToken{}, fmt.Errorf("persisted token %q has invalid type %q", key, token.Type)
	}
	change := Change{Entity: domain.EntityPersistedToken, Action: domain.ActionCreate, Key: key, After: token.Clone()}
	if before, exists := tx.state.tokens[key]; exists {
		change.Action = domain.ActionUpdate
		change.Before = before.Clone()
	}
	tx.state.put(token.Clone())
	tx.recordChange(change)
	return token.Clone(), nil
}

// UpdateToken mutates a record using the provided mutator function. The
// mutator cannot move a record to another key.
func (tx *transaction) UpdateToken(key Key, mutator func(*PersistedToken) error) (PersistedToken, error) {
	current, ok := tx.state.tokens[key]
	if !ok {
		return PersistedToken{}, domain.ErrNotFound{Entity: domain.EntityPersistedToken, Key: key}
	}
	before := current.Clone()
	current = current.Clone()
	if err := mutator(&current); err != nil {
		return PersistedToken{}, err
	}
	if current.Key() != key {
		return PersistedToken{}, fmt.Errorf("persisted token %q: mutator changed identity key to %q", key, current.Key())
	}
	if !current.Type.Valid() {
		return PersistedToken{}, fmt.Errorf("persisted token %q has invalid type %q", key, current.Type)
	}
	tx.state.tokens[key] = current.Clone()
	tx.recordChange(Change{Entity: domain.EntityPersistedToken, Action: domain.ActionUpdate, Key: key, Before: before, After: current.Clone()})
	return current, nil
}

// DeleteToken removes a record from the transaction state.
func (tx *transaction) DeleteToken(key Key) error {
	current, ok := tx.state.tokens[key]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityPersistedToken, Key: key}
	}
	tx.state.remove(key)
	tx.recordChange(Change{Entity: domain.EntityPersistedToken, Action: domain.ActionDelete, Key: key, Before: current.Clone()})
	return nil
}

// SetSettings replaces the store-wide settings.
func (tx *transaction) SetSettings(settings Settings) {
	before := tx.state.settings
	tx.state.settings = settings
	tx.recordChange(Change{Entity: domain.EntitySettings, Action: domain.ActionUpdate, Before: before, After: settings})
}

// GetToken retrieves a record by key.
func (s *Store) GetToken(key Key) (PersistedToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindToken(key)
}

// ListTokens returns all records in insertion order.
func (s *Store) ListTokens() []PersistedToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.list()
}

// Settings returns the store-wide settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.settings
}
