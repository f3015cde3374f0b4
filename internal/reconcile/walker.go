package reconcile

import (
	"iter"

	"tokenvault/pkg/domain"
)

// TokenLookup resolves persisted records by key.
type TokenLookup interface {
	FindToken(key domain.Key) (domain.PersistedToken, bool)
}

// RecordIndex is a TokenLookup over a fixed record list.
type RecordIndex map[domain.Key]domain.PersistedToken

// NewRecordIndex indexes records by key.
func NewRecordIndex(records []domain.PersistedToken) RecordIndex {
	idx := make(RecordIndex, len(records))
	for _, rec := range records {
		idx[rec.Key()] = rec
	}
	return idx
}

// FindToken implements TokenLookup.
func (r RecordIndex) FindToken(key domain.Key) (domain.PersistedToken, bool) {
	rec, ok := r[key]
	return rec, ok
}

// WalkParents yields item, then its attachment parent, and so on. The walk
// ends at an item without a parent, at a parent missing from items, or at
// the first id seen twice. Each call starts a fresh walk.
func WalkParents(items ItemMap, item domain.Item) iter.Seq[domain.Item] {
	return func(yield func(domain.Item) bool) {
		seen := make(map[string]struct{})
		current := item
		for {
			if _, dup := seen[current.ID]; dup {
				return
			}
			seen[current.ID] = struct{}{}
			if !yield(current) {
				return
			}
			if current.AttachedTo == "" {
				return
			}
			parent, ok := items[current.AttachedTo]
			if !ok {
				return
			}
			current = parent
		}
	}
}

// UniqueAncestor pairs a live token with its UNIQUE record.
type UniqueAncestor struct {
	Item  domain.Item
	Entry domain.PersistedToken
}

// WalkParentUniqueTokens filters WalkParents to tokens tracked as UNIQUE.
func WalkParentUniqueTokens(records TokenLookup, items ItemMap, item domain.Item) iter.Seq[UniqueAncestor] {
	return func(yield func(UniqueAncestor) bool) {
		for ancestor := range WalkParents(items, item) {
			if !domain.IsToken(ancestor) {
				continue
			}
			entry, ok := records.FindToken(domain.TokenKey(ancestor))
			if !ok || entry.Type != domain.PersistenceUnique {
				continue
			}
			if !yield(UniqueAncestor{Item: ancestor, Entry: entry}) {
				return
			}
		}
	}
}
