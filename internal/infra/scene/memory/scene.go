// Package memory provides an in-process scene graph, notifier and context
// menu. The CLI replays snapshots through it and tests use it as the host.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// Calls counts the write batches a scene received.
type Calls struct {
	Updates int
	Deletes int
	Adds    int
}

// Scene is a sceneapi.Scene held in memory. Every write stamps the written
// items with a strictly increasing LastModified and notifies subscribers
// with the full item list.
type Scene struct {
	mu       sync.Mutex
	items    []domain.Item
	handlers map[int]sceneapi.ItemsChangeHandler
	nextSub  int
	now      func() time.Time
	last     time.Time
	calls    Calls
}

// Option customises a Scene.
type Option func(*Scene)

// WithClock sets the time source used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(s *Scene) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScene returns an empty scene.
func NewScene(opts ...Option) *Scene {
	s := &Scene{
		handlers: make(map[int]sceneapi.ItemsChangeHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ sceneapi.Scene = (*Scene)(nil)

// stamp returns a time strictly after every earlier stamp. Callers hold mu.
func (s *Scene) stamp() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *Scene) indexOf(id string) int {
	return slices.IndexFunc(s.items, func(it domain.Item) bool { return it.ID == id })
}

// GetItems implements sceneapi.Scene.
func (s *Scene) GetItems(_ context.Context, filter sceneapi.ItemFilter) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, it := range s.items {
		if filter == nil || filter(it) {
			out = append(out, it.Clone())
		}
	}
	return out, nil
}

// GetItemAttachments implements sceneapi.Scene.
func (s *Scene) GetItemAttachments(_ context.Context, ids []string) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descendants(ids), nil
}

// descendants walks children breadth first; each id is visited once. The
// result is never nil.
func (s *Scene) descendants(roots []string) []domain.Item {
	visited := make(map[string]struct{}, len(roots))
	for _, id := range roots {
		visited[id] = struct{}{}
	}
	frontier := slices.Clone(roots)
	out := []domain.Item{}
	for len(frontier) > 0 {
		parents := make(map[string]struct{}, len(frontier))
		for _, id := range frontier {
			parents[id] = struct{}{}
		}
		frontier = frontier[:0]
		for _, it := range s.items {
			if _, ok := parents[it.AttachedTo]; !ok || it.AttachedTo == "" {
				continue
			}
			if _, seen := visited[it.ID]; seen {
				continue
			}
			visited[it.ID] = struct{}{}
			out = append(out, it.Clone())
			frontier = append(frontier, it.ID)
		}
	}
	return out
}

// UpdateItems implements sceneapi.Scene. Unknown ids are ignored.
func (s *Scene) UpdateItems(ctx context.Context, ids []string, mutate func(*domain.Item)) error {
	s.mu.Lock()
	s.calls.Updates++
	at := s.stamp()
	for _, id := range ids {
		i := s.indexOf(id)
		if i < 0 {
			continue
		}
		item := s.items[i].Clone()
		mutate(&item)
		item.ID = id
		item.LastModified = at
		s.items[i] = item
	}
	s.mu.Unlock()
	s.notify(ctx)
	return nil
}

// DeleteItems implements sceneapi.Scene. Attachments of deleted items are
// deleted with them.
func (s *Scene) DeleteItems(ctx context.Context, ids []string) error {
	s.mu.Lock()
	s.calls.Deletes++
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	for _, it := range s.descendants(ids) {
		drop[it.ID] = struct{}{}
	}
	s.items = slices.DeleteFunc(s.items, func(it domain.Item) bool {
		_, ok := drop[it.ID]
		return ok
	})
	s.mu.Unlock()
	s.notify(ctx)
	return nil
}

// AddItems implements sceneapi.Scene. Adding an id that already exists fails
// without changing the scene.
func (s *Scene) AddItems(ctx context.Context, items []domain.Item) error {
	s.mu.Lock()
	s.calls.Adds++
	for _, it := range items {
		if s.indexOf(it.ID) >= 0 {
			s.mu.Unlock()
			return fmt.Errorf("item %s already exists", it.ID)
		}
	}
	at := s.stamp()
	for _, it := range items {
		added := it.Clone()
		added.LastModified = at
		s.items = append(s.items, added)
	}
	s.mu.Unlock()
	s.notify(ctx)
	return nil
}

// OnItemsChange implements sceneapi.Scene.
func (s *Scene) OnItemsChange(fn sceneapi.ItemsChangeHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Replace swaps the whole item list verbatim, keeping the given timestamps,
// and notifies subscribers. Replaying recorded snapshots goes through here.
func (s *Scene) Replace(ctx context.Context, items []domain.Item) {
	s.mu.Lock()
	s.items = domain.CloneItems(items)
	for _, it := range s.items {
		if it.LastModified.After(s.last) {
			s.last = it.LastModified
		}
	}
	s.mu.Unlock()
	s.notify(ctx)
}

// Items returns a copy of the current item list.
func (s *Scene) Items() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneItems(s.items)
}

// Item returns the item with id.
func (s *Scene) Item(id string) (domain.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.items[i].Clone(), true
	}
	return domain.Item{}, false
}

// Calls returns the write batch counters.
func (s *Scene) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scene) notify(ctx context.Context) {
	s.mu.Lock()
	items := domain.CloneItems(s.items)
	handlers := make([]sceneapi.ItemsChangeHandler, 0, len(s.handlers))
	for id := 0; id < s.nextSub; id++ {
		if fn, ok := s.handlers[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ctx, items)
	}
}
