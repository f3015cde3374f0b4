package reconcile

import (
	"context"
	"testing"
	"time"

	"tokenvault/internal/core"
	"tokenvault/pkg/domain"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func token(id, url string, sec int) domain.Item {
	return domain.Item{
		ID:           id,
		Type:         domain.ItemTypeImage,
		Name:         url,
		LastModified: at(sec),
		Position:     domain.Vector{X: 100, Y: 100},
		ZIndex:       10,
		Image:        &domain.ImageContent{URL: url},
		Metadata:     domain.Metadata{},
	}
}

func attachment(id, parent string, sec int) domain.Item {
	return domain.Item{
		ID:           id,
		Type:         domain.ItemTypeLabel,
		AttachedTo:   parent,
		LastModified: at(sec),
		Position:     domain.Vector{X: 110, Y: 90},
		ZIndex:       11,
		Metadata:     domain.Metadata{},
	}
}

func withMeta(item domain.Item, kv ...any) domain.Item {
	item = item.Clone()
	if item.Metadata == nil {
		item.Metadata = domain.Metadata{}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		item.Metadata[kv[i].(string)] = kv[i+1]
	}
	return item
}

// countingStore counts committed transactions.
type countingStore struct {
	domain.PersistentStore
	txs int
}

func (c *countingStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	c.txs++
	return c.PersistentStore.RunInTransaction(ctx, fn)
}

type fixture struct {
	store   *countingStore
	service *core.Service
	engine  *Engine
	now     time.Time
	metrics *fakeMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: at(1000), metrics: &fakeMetrics{}}
	f.store = &countingStore{PersistentStore: core.NewMemoryStore(core.NewDefaultRulesEngine())}
	f.service = core.NewService(f.store, core.WithClock(core.ClockFunc(func() time.Time { return f.now })))
	f.engine = NewEngine(f.service, WithEngineMetrics(f.metrics))
	return f
}

func (f *fixture) persist(t *testing.T, item domain.Item, typ domain.PersistenceType, attachments []domain.Item) {
	t.Helper()
	if _, _, err := f.service.Persist(context.Background(), []core.PersistEntry{{Token: item, Type: typ, Attachments: attachments}}); err != nil {
		t.Fatalf("persist %s: %v", item.ID, err)
	}
}

func (f *fixture) deliver(t *testing.T, items ...domain.Item) Cycle {
	t.Helper()
	cycle, err := f.engine.HandleItemsChange(context.Background(), items)
	if err != nil {
		t.Fatalf("handle items change: %v", err)
	}
	return cycle
}

func (f *fixture) record(t *testing.T, key domain.Key) domain.PersistedToken {
	t.Helper()
	rec, ok := f.service.Get(key)
	if !ok {
		t.Fatalf("expected record %s", key)
	}
	return rec
}

type fakeMetrics struct {
	tracked, overused, ambiguous, recaptures, applied int
}

func (m *fakeMetrics) SetTrackedTokens(n int)  { m.tracked = n }
func (m *fakeMetrics) SetOverusedKeys(n int)   { m.overused = n }
func (m *fakeMetrics) AddAmbiguousSkips(n int) { m.ambiguous += n }
func (m *fakeMetrics) AddRecaptures(n int)     { m.recaptures += n }
func (m *fakeMetrics) AddAppliedTokens(n int)  { m.applied += n }
