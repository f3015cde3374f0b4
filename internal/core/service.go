// Package core hosts the persisted token service: transactional user actions
// over a PersistentStore, the built-in rules, backend selection and the
// observability plumbing shared with the reconciliation engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenvault/pkg/domain"
)

// Service exposes transactional operations on persisted tokens.
type Service struct {
	store PersistentStore
	obs   Observability
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	return &Service{store: store, obs: NewObservability(opts...)}
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(NewMemoryStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Observability returns the collaborators the service was configured with.
func (s *Service) Observability() Observability {
	return s.obs
}

func (s *Service) run(ctx context.Context, op string, key Key, fn func(tx Transaction) error) (Result, error) {
	var res Result
	err := s.obs.Instrument(ctx, op, key, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, fn)
		return err
	})
	for _, v := range res.Violations {
		if v.Severity == SeverityBlock {
			continue
		}
		s.obs.Logger.Warn("rule violation", "rule", v.Rule, "key", string(v.Key), "message", v.Message)
	}
	return res, err
}

// Get retrieves a persisted token by key.
func (s *Service) Get(key Key) (PersistedToken, bool) {
	return s.store.GetToken(key)
}

// List returns every persisted token in insertion order.
func (s *Service) List() []PersistedToken {
	return s.store.ListTokens()
}

// Settings returns the store-wide settings.
func (s *Service) Settings() Settings {
	return s.store.Settings()
}

// Upsert stores token under its key, replacing any existing record in place.
func (s *Service) Upsert(ctx context.Context, token PersistedToken) (PersistedToken, Result, error) {
	var stored PersistedToken
	res, err := s.run(ctx, "upsert_token", token.Key(), func(tx Transaction) error {
		var err error
		stored, err = tx.PutToken(token)
		return err
	})
	return stored, res, err
}

// Remove deletes the record for key. Missing keys are ignored.
func (s *Service) Remove(ctx context.Context, key Key) (Result, error) {
	return s.run(ctx, "remove_token", key, func(tx Transaction) error {
		err := tx.DeleteToken(key)
		var nf domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	})
}

// PersistEntry is one live token to capture.
type PersistEntry struct {
	Token       domain.Item
	Type        PersistenceType
	Attachments []domain.Item
}

// PersistReport lists what a Persist call did per key.
type PersistReport struct {
	Created []Key
	Updated []Key
	Skipped []Key
}

// Persist captures live tokens. An existing UNIQUE record is never
// overwritten; the first capture wins and later ones are skipped with a
// warning. Persisting an existing TEMPLATE as TEMPLATE refreshes its snapshot
// and attachments. Persisting an existing TEMPLATE as UNIQUE is skipped.
func (s *Service) Persist(ctx context.Context, entries []PersistEntry) (PersistReport, Result, error) {
	var report PersistReport
	if len(entries) == 0 {
		return report, Result{}, nil
	}
	res, err := s.run(ctx, "persist", keyOfBatch(entries), func(tx Transaction) error {
		report = PersistReport{}
		for _, entry := range entries {
			if !domain.IsToken(entry.Token) || !entry.Type.Valid() {
				s.obs.Logger.Warn("skipping persist of non-token", "item", entry.Token.ID, "type", string(entry.Type))
				report.Skipped = append(report.Skipped, domain.TokenKey(entry.Token))
				continue
			}
			key := domain.TokenKey(entry.Token)
			existing, exists := tx.FindToken(key)
			switch {
			case !exists:
				if _, err := tx.PutToken(domain.NewPersistedToken(entry.Token, entry.Type, entry.Attachments)); err != nil {
					return err
				}
				report.Created = append(report.Created, key)
			case existing.Type == PersistenceUnique:
				s.obs.Logger.Warn("token already persisted as unique, skipping", "key", string(key), "name", existing.Name())
				report.Skipped = append(report.Skipped, key)
			case existing.Type == PersistenceTemplate && entry.Type == PersistenceTemplate:
				next := domain.PersistedTokenUpdate(existing, entry.Token, entry.Token.LastModified, entry.Attachments)
				if _, err := tx.PutToken(next); err != nil {
					return err
				}
				report.Updated = append(report.Updated, key)
			default:
				report.Skipped = append(report.Skipped, key)
			}
		}
		return nil
	})
	return report, res, err
}

func keyOfBatch(entries []PersistEntry) Key {
	if len(entries) == 1 {
		return domain.TokenKey(entries[0].Token)
	}
	return ""
}

// SetType changes the persistence type of key.
func (s *Service) SetType(ctx context.Context, key Key, typ PersistenceType) (Result, error) {
	if !typ.Valid() {
		return Result{}, fmt.Errorf("invalid persistence type %q", typ)
	}
	return s.update(ctx, "set_type", key, func(p *PersistedToken) {
		*p = p.WithType(typ)
	})
}

// SetName renames the record for key.
func (s *Service) SetName(ctx context.Context, key Key, name string) (Result, error) {
	return s.update(ctx, "set_name", key, func(p *PersistedToken) {
		*p = p.WithName(name)
	})
}

// SetDisabledProperties replaces the set of properties skipped on restore.
func (s *Service) SetDisabledProperties(ctx context.Context, key Key, props []PersistedProperty) (Result, error) {
	for _, prop := range props {
		if !prop.Valid() {
			return Result{}, fmt.Errorf("invalid persisted property %q", prop)
		}
	}
	return s.update(ctx, "set_disabled_properties", key, func(p *PersistedToken) {
		*p = p.WithDisabledProperties(props)
	})
}

// SetGroups replaces the groups of key.
func (s *Service) SetGroups(ctx context.Context, key Key, groups []string) (Result, error) {
	return s.update(ctx, "set_groups", key, func(p *PersistedToken) {
		p.Groups = append([]string(nil), groups...)
	})
}

// update applies mutate to key. Missing keys are a no-op.
func (s *Service) update(ctx context.Context, op string, key Key, mutate func(*PersistedToken)) (Result, error) {
	return s.run(ctx, op, key, func(tx Transaction) error {
		if _, ok := tx.FindToken(key); !ok {
			return nil
		}
		_, err := tx.UpdateToken(key, func(p *PersistedToken) error {
			mutate(p)
			return nil
		})
		return err
	})
}

// ImportReport lists which keys an import created or replaced.
type ImportReport struct {
	Created  []Key
	Replaced []Key
}

// ImportTokens writes a validated batch: records with an existing key are
// replaced in place and the rest are appended.
func (s *Service) ImportTokens(ctx context.Context, tokens []PersistedToken) (ImportReport, Result, error) {
	var report ImportReport
	res, err := s.run(ctx, "import_tokens", "", func(tx Transaction) error {
		report = ImportReport{}
		for _, token := range tokens {
			key := token.Key()
			_, exists := tx.FindToken(key)
			if _, err := tx.PutToken(token); err != nil {
				return fmt.Errorf("import %s: %w", key, err)
			}
			if exists {
				report.Replaced = append(report.Replaced, key)
			} else {
				report.Created = append(report.Created, key)
			}
		}
		return nil
	})
	return report, res, err
}

// SetContextMenuEnabled toggles the context menu preference.
func (s *Service) SetContextMenuEnabled(ctx context.Context, enabled bool) (Result, error) {
	return s.run(ctx, "set_context_menu_enabled", "", func(tx Transaction) error {
		settings := tx.Snapshot().Settings()
		settings.ContextMenuEnabled = enabled
		tx.SetSettings(settings)
		return nil
	})
}

// Recapture is one UNIQUE record to refresh from its single live instance.
type Recapture struct {
	Key          Key
	Token        domain.Item
	LastModified time.Time
	Attachments  []domain.Item
}

// RecaptureAll refreshes UNIQUE records from the scene in one transaction.
// Keys that vanished or stopped being UNIQUE since the caller looked are
// skipped and returned.
func (s *Service) RecaptureAll(ctx context.Context, updates []Recapture) (updated, skipped []Key, res Result, err error) {
	if len(updates) == 0 {
		return nil, nil, Result{}, nil
	}
	res, err = s.run(ctx, "recapture", "", func(tx Transaction) error {
		updated, skipped = nil, nil
		for _, u := range updates {
			prev, ok := tx.FindToken(u.Key)
			if !ok || prev.Type != PersistenceUnique || domain.TokenKey(u.Token) != u.Key {
				skipped = append(skipped, u.Key)
				continue
			}
			if _, err := tx.PutToken(domain.PersistedTokenUpdate(prev, u.Token, u.LastModified, u.Attachments)); err != nil {
				return err
			}
			updated = append(updated, u.Key)
		}
		return nil
	})
	return updated, skipped, res, err
}
