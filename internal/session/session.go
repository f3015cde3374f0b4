// Package session runs tokenvault against one host scene. It feeds scene
// deliveries to the reconciliation engine, restores persisted data onto new
// tokens when the local user is the GM, keeps the badge and context menus in
// step with the store, and exposes the user actions of the presentation
// layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"tokenvault/internal/apply"
	"tokenvault/internal/core"
	"tokenvault/internal/reconcile"
	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// State is the read-only view published to the presentation layer.
type State struct {
	Tokens             []domain.PersistedToken `json:"tokens"`
	Usage              reconcile.UsageIndex    `json:"usage"`
	SceneReady         bool                    `json:"sceneReady"`
	Role               sceneapi.Role           `json:"role"`
	ContextMenuEnabled bool                    `json:"contextMenuEnabled"`
}

// Option customises a Session.
type Option func(*Session)

// WithNotifier drives the action badge and notifications through n.
func WithNotifier(n sceneapi.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithContextMenu installs the persist and template menus through m.
func WithContextMenu(m sceneapi.ContextMenu) Option {
	return func(s *Session) { s.menu = m }
}

// WithRole sets the initial role. Sessions start as PLAYER.
func WithRole(role sceneapi.Role) Option {
	return func(s *Session) {
		if role.Valid() {
			s.role = role
		}
	}
}

// WithEngineMetrics reports engine and operator metrics to m.
func WithEngineMetrics(m core.EngineMetrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithIDGenerator replaces the id generator used when restoring attachments.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// Session ties a scene to a persisted token service.
type Session struct {
	service  *core.Service
	scene    sceneapi.Scene
	engine   *reconcile.Engine
	operator *apply.Operator
	notifier sceneapi.Notifier
	menu     sceneapi.ContextMenu
	metrics  core.EngineMetrics
	newID    func() string
	logger   core.Logger

	// mu serialises store commits of cycles and user actions.
	mu sync.Mutex

	stateMu     sync.RWMutex
	role        sceneapi.Role
	sceneReady  bool
	usage       reconcile.UsageIndex
	subscribers map[int]func(State)
	nextSub     int

	watchMu   sync.Mutex
	badge     string
	badgeSet  bool
	menuState string

	stop func()
}

// New builds a session. Call Start to begin listening to the scene.
func New(service *core.Service, scene sceneapi.Scene, opts ...Option) *Session {
	s := &Session{
		service:     service,
		scene:       scene,
		logger:      service.Observability().Logger,
		role:        sceneapi.RolePlayer,
		usage:       reconcile.UsageIndex{},
		subscribers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = reconcile.NewEngine(service, reconcile.WithEngineMetrics(s.metrics))
	s.operator = apply.NewOperator(scene, service,
		apply.WithLogger(s.logger),
		apply.WithEngineMetrics(s.metrics),
		apply.WithIDGenerator(s.newID),
	)
	return s
}

// Service returns the persisted token service.
func (s *Session) Service() *core.Service { return s.service }

// Engine returns the reconciliation engine.
func (s *Session) Engine() *reconcile.Engine { return s.engine }

// Start subscribes to scene changes. When the scene is already ready the
// current item list is reconciled immediately.
func (s *Session) Start(ctx context.Context) error {
	unsubscribe := s.scene.OnItemsChange(func(ctx context.Context, items []domain.Item) {
		if _, err := s.HandleItemsChange(ctx, items); err != nil {
			s.logger.Error("reconcile cycle failed", "error", err)
		}
	})
	s.stateMu.Lock()
	s.stop = unsubscribe
	ready := s.sceneReady
	s.stateMu.Unlock()
	if err := s.refreshWatchers(ctx); err != nil {
		return err
	}
	if ready {
		return s.loadScene(ctx)
	}
	return nil
}

// Close stops listening to the scene.
func (s *Session) Close() {
	s.stateMu.Lock()
	stop := s.stop
	s.stop = nil
	s.stateMu.Unlock()
	if stop != nil {
		stop()
	}
}

// SetSceneReady records scene readiness. Unloading forgets the previous
// snapshot; becoming ready reconciles the current item list.
func (s *Session) SetSceneReady(ctx context.Context, ready bool) error {
	s.stateMu.Lock()
	changed := s.sceneReady != ready
	s.sceneReady = ready
	if !ready {
		s.usage = reconcile.UsageIndex{}
	}
	s.stateMu.Unlock()
	if !ready {
		s.engine.SetSceneReady(false)
		s.publish()
		return s.refreshWatchers(ctx)
	}
	if !changed {
		return nil
	}
	return s.loadScene(ctx)
}

func (s *Session) loadScene(ctx context.Context) error {
	items, err := s.scene.GetItems(ctx, nil)
	if err != nil {
		return fmt.Errorf("load scene items: %w", err)
	}
	_, err = s.HandleItemsChange(ctx, items)
	return err
}

// SetRole records the local user's role. Context menus are only installed
// for the GM.
func (s *Session) SetRole(ctx context.Context, role sceneapi.Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	s.stateMu.Lock()
	s.role = role
	s.stateMu.Unlock()
	s.publish()
	return s.refreshWatchers(ctx)
}

// Role returns the local user's role.
func (s *Session) Role() sceneapi.Role {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.role
}

// HandleItemsChange runs one reconciliation cycle and, for the GM, restores
// persisted data onto the tokens that appeared. The cycle's store commit
// completes before any scene write is issued.
func (s *Session) HandleItemsChange(ctx context.Context, items []domain.Item) (reconcile.Cycle, error) {
	s.mu.Lock()
	cycle, err := s.engine.HandleItemsChange(ctx, items)
	s.mu.Unlock()
	if err != nil {
		return reconcile.Cycle{}, err
	}

	s.stateMu.Lock()
	s.usage = cycle.Usage
	role := s.role
	s.stateMu.Unlock()
	s.publish()

	var errs []error
	if err := s.refreshWatchers(ctx); err != nil {
		errs = append(errs, err)
	}
	if role == sceneapi.RoleGM && len(cycle.NewTokens) > 0 {
		if _, err := s.operator.Apply(ctx, cycle.NewTokens, false); err != nil {
			errs = append(errs, fmt.Errorf("apply persisted tokens: %w", err))
		}
	}
	return cycle, errors.Join(errs...)
}

// State returns the current presentation state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return State{
		Tokens:             s.service.List(),
		Usage:              s.usage.Clone(),
		SceneReady:         s.sceneReady,
		Role:               s.role,
		ContextMenuEnabled: s.service.Settings().ContextMenuEnabled,
	}
}

// Subscribe registers fn for every state change and returns a function
// removing it.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Session) publish() {
	state := s.State()
	s.stateMu.RLock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(State), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subscribers[id])
	}
	s.stateMu.RUnlock()
	for _, fn := range subs {
		fn(state)
	}
}

// mutate runs a user action under the commit lock, then republishes state.
func (s *Session) mutate(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	err := fn()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish()
	return s.refreshWatchers(ctx)
}
