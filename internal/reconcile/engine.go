// Package reconcile keeps UNIQUE persisted tokens in sync with the live scene.
// Each delivery of the scene's item list is one cycle: the engine diffs it
// against the previous delivery, recaptures UNIQUE records whose live
// instance (or one of its attachments) changed, and reports the tokens that
// appeared for the first time.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokenvault/internal/core"
	"tokenvault/pkg/domain"
)

// Cycle reports the outcome of one reconciliation pass.
type Cycle struct {
	// NewTokens are tokens absent from the previous delivery.
	NewTokens []domain.Item
	// Recaptured keys were refreshed from their single live instance.
	Recaptured []domain.Key
	// Ambiguous keys were touched while several live tokens shared them.
	Ambiguous []domain.Key
	// Overused lists UNIQUE keys with usage above one after the cycle.
	Overused []domain.Key
	Usage    UsageIndex
	Tokens   []domain.Item
}

// Option customises an Engine.
type Option func(*Engine)

// WithEngineMetrics reports cycle gauges and counters to m.
func WithEngineMetrics(m core.EngineMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine is the reconciliation reducer. It owns the previous snapshot and
// serialises cycles.
type Engine struct {
	service *core.Service
	obs     core.Observability
	metrics core.EngineMetrics

	mu        sync.Mutex
	prev      Snapshot
	observers map[int]func(Cycle)
	nextObs   int
}

// NewEngine builds an engine writing through service. Logging, clock and
// instrumentation come from the service's observability.
func NewEngine(service *core.Service, opts ...Option) *Engine {
	e := &Engine{
		service:   service,
		obs:       service.Observability(),
		metrics:   core.NoopEngineMetrics(),
		prev:      NewSnapshot(nil),
		observers: make(map[int]func(Cycle)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Subscribe registers fn for every completed cycle and returns a function
// removing it.
func (e *Engine) Subscribe(fn func(Cycle)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// SetSceneReady forgets the previous snapshot when the scene unloads, so the
// first delivery of the next scene treats every token as new.
func (e *Engine) SetSceneReady(ready bool) {
	if ready {
		return
	}
	e.mu.Lock()
	e.prev = NewSnapshot(nil)
	e.mu.Unlock()
}

// Previous returns the snapshot the next cycle will diff against.
func (e *Engine) Previous() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prev
}

type touch struct {
	key domain.Key
	at  time.Time
}

// HandleItemsChange runs one cycle over the full live item list. All store
// writes of the cycle commit in one transaction; nothing is written when no
// UNIQUE record was touched. On a commit error the previous snapshot is kept
// so the next delivery retries.
func (e *Engine) HandleItemsChange(ctx context.Context, items []domain.Item) (Cycle, error) {
	e.mu.Lock()
	var cycle Cycle
	err := e.obs.Instrument(ctx, "reconcile_cycle", "", func(ctx context.Context) error {
		var err error
		cycle, err = e.reduce(ctx, items)
		return err
	})
	var observers []func(Cycle)
	if err == nil {
		for _, fn := range e.observers {
			observers = append(observers, fn)
		}
	}
	e.mu.Unlock()
	if err != nil {
		return Cycle{}, err
	}
	for _, fn := range observers {
		fn(cycle)
	}
	return cycle, nil
}

func (e *Engine) reduce(ctx context.Context, items []domain.Item) (Cycle, error) {
	next := NewSnapshot(items)
	records := NewRecordIndex(e.service.List())
	prev := e.prev

	touched := make(map[domain.Key]int)
	var order []touch
	mark := func(key domain.Key, at time.Time) {
		if i, ok := touched[key]; ok {
			if at.After(order[i].at) {
				order[i].at = at
			}
			return
		}
		touched[key] = len(order)
		order = append(order, touch{key: key, at: at})
	}

	var cycle Cycle
	for _, id := range next.Order {
		item := next.Items[id]
		before, existed := prev.Items[id]
		if existed && !item.LastModified.After(before.LastModified) {
			continue
		}
		if !existed && domain.IsToken(item) {
			cycle.NewTokens = append(cycle.NewTokens, item)
		}
		for ancestor := range WalkParentUniqueTokens(records, next.Items, item) {
			if !existed && ancestor.Item.ID == item.ID {
				continue
			}
			mark(domain.TokenKey(ancestor.Item), item.LastModified)
		}
	}

	now := e.obs.Clock.Now()
	for _, id := range prev.Order {
		if _, alive := next.Items[id]; alive {
			continue
		}
		for ancestor := range WalkParentUniqueTokens(records, prev.Items, prev.Items[id]) {
			if _, alive := next.Items[ancestor.Item.ID]; !alive {
				continue
			}
			mark(domain.TokenKey(ancestor.Item), now)
		}
	}

	var recaptures []core.Recapture
	for _, t := range order {
		switch usage := next.Usage.Count(t.key); {
		case usage == 0:
		case usage > 1:
			cycle.Ambiguous = append(cycle.Ambiguous, t.key)
			e.obs.Logger.Warn("skipping recapture of duplicated unique token", "key", string(t.key), "usage", usage)
		default:
			owner := next.TokensWithKey(t.key)[0]
			recaptures = append(recaptures, core.Recapture{
				Key:          t.key,
				Token:        owner,
				LastModified: t.at,
				Attachments:  Descendants(next.Items, next.Order, owner.ID),
			})
		}
	}

	updated, skipped, _, err := e.service.RecaptureAll(ctx, recaptures)
	if err != nil {
		return Cycle{}, fmt.Errorf("recapture unique tokens: %w", err)
	}
	for _, key := range skipped {
		e.obs.Logger.Debug("recapture skipped", "key", string(key))
	}
	e.prev = next

	cycle.Recaptured = updated
	cycle.Usage = next.Usage.Clone()
	cycle.Tokens = next.Tokens
	stored := e.service.List()
	cycle.Overused = next.Usage.Overused(stored)

	e.metrics.SetTrackedTokens(len(stored))
	e.metrics.SetOverusedKeys(len(cycle.Overused))
	e.metrics.AddAmbiguousSkips(len(cycle.Ambiguous))
	e.metrics.AddRecaptures(len(updated))
	return cycle, nil
}
