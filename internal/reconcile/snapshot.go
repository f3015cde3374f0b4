package reconcile

import "tokenvault/pkg/domain"

// ItemMap indexes live items by id.
type ItemMap map[string]domain.Item

// UsageIndex counts live tokens per identity key.
type UsageIndex map[domain.Key]int

// Count returns the number of live tokens presenting key.
func (u UsageIndex) Count(key domain.Key) int {
	return u[key]
}

// Clone returns a copy safe to hand to observers.
func (u UsageIndex) Clone() UsageIndex {
	out := make(UsageIndex, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Overused lists the UNIQUE records whose key is presented by more than one
// live token, in record order.
func (u UsageIndex) Overused(records []domain.PersistedToken) []domain.Key {
	var out []domain.Key
	for _, rec := range records {
		if rec.Type == domain.PersistenceUnique && u[rec.Key()] > 1 {
			out = append(out, rec.Key())
		}
	}
	return out
}

// BuildUsageIndex counts tokens by key. Non-tokens are ignored.
func BuildUsageIndex(items []domain.Item) UsageIndex {
	usage := make(UsageIndex)
	for _, item := range items {
		if domain.IsToken(item) {
			usage[domain.TokenKey(item)]++
		}
	}
	return usage
}

// Snapshot is one delivery of the live scene, indexed for a single cycle.
// It is rebuilt from scratch on every delivery.
type Snapshot struct {
	Items  ItemMap
	Order  []string
	Tokens []domain.Item
	Usage  UsageIndex
}

// NewSnapshot indexes items. A repeated id keeps its last occurrence.
func NewSnapshot(items []domain.Item) Snapshot {
	snap := Snapshot{
		Items: make(ItemMap, len(items)),
		Order: make([]string, 0, len(items)),
	}
	for _, item := range items {
		if _, seen := snap.Items[item.ID]; !seen {
			snap.Order = append(snap.Order, item.ID)
		}
		snap.Items[item.ID] = item
	}
	for _, id := range snap.Order {
		if item := snap.Items[id]; domain.IsToken(item) {
			snap.Tokens = append(snap.Tokens, item)
		}
	}
	snap.Usage = BuildUsageIndex(snap.Tokens)
	return snap
}

// Empty reports whether the snapshot holds no items.
func (s Snapshot) Empty() bool {
	return len(s.Items) == 0
}

// TokensWithKey returns the live tokens presenting key in snapshot order.
func (s Snapshot) TokensWithKey(key domain.Key) []domain.Item {
	var out []domain.Item
	for _, t := range s.Tokens {
		if domain.TokenKey(t) == key {
			out = append(out, t)
		}
	}
	return out
}

// Descendants returns every item whose attachment chain reaches rootID, in
// snapshot order. The root itself is not included. The result is never nil.
func Descendants(items ItemMap, order []string, rootID string) []domain.Item {
	out := []domain.Item{}
	for _, id := range order {
		if id == rootID {
			continue
		}
		item, ok := items[id]
		if !ok || item.AttachedTo == "" {
			continue
		}
		for ancestor := range WalkParents(items, item) {
			if ancestor.ID == rootID {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// List returns the snapshot items in delivery order.
func (s Snapshot) List() []domain.Item {
	out := make([]domain.Item, 0, len(s.Order))
	for _, id := range s.Order {
		out = append(out, s.Items[id])
	}
	return out
}
