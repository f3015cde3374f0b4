package httpapi

import (
	"context"
	"sync"

	"tokenvault/internal/core"
	"tokenvault/internal/session"
	"tokenvault/pkg/domain"
)

// Sessions tracks the session of the currently connected host, if any.
type Sessions struct {
	mu      sync.RWMutex
	current *session.Session
}

// Attach makes s the active session. The returned function detaches it
// unless another session replaced it meanwhile.
func (r *Sessions) Attach(s *session.Session) (detach func()) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.current == s {
			r.current = nil
		}
		r.mu.Unlock()
	}
}

// Active returns the active session.
func (r *Sessions) Active() (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.current != nil
}

// actions are the store mutations exposed over HTTP. A live session runs
// them so watchers and subscribers see the change; without one they go to
// the service directly.
type actions interface {
	SetType(ctx context.Context, key domain.Key, typ domain.PersistenceType) error
	SetName(ctx context.Context, key domain.Key, name string) error
	SetDisabledProperties(ctx context.Context, key domain.Key, props []domain.PersistedProperty) error
	SetGroups(ctx context.Context, key domain.Key, groups []string) error
	RemoveToken(ctx context.Context, key domain.Key) error
	SetContextMenuEnabled(ctx context.Context, enabled bool) error
	ImportTokens(ctx context.Context, tokens []domain.PersistedToken) (core.ImportReport, error)
}

var _ actions = (*session.Session)(nil)

type serviceActions struct{ svc *core.Service }

func (a serviceActions) SetType(ctx context.Context, key domain.Key, typ domain.PersistenceType) error {
	_, err := a.svc.SetType(ctx, key, typ)
	return err
}

func (a serviceActions) SetName(ctx context.Context, key domain.Key, name string) error {
	_, err := a.svc.SetName(ctx, key, name)
	return err
}

func (a serviceActions) SetDisabledProperties(ctx context.Context, key domain.Key, props []domain.PersistedProperty) error {
	_, err := a.svc.SetDisabledProperties(ctx, key, props)
	return err
}

func (a serviceActions) SetGroups(ctx context.Context, key domain.Key, groups []string) error {
	_, err := a.svc.SetGroups(ctx, key, groups)
	return err
}

func (a serviceActions) RemoveToken(ctx context.Context, key domain.Key) error {
	_, err := a.svc.Remove(ctx, key)
	return err
}

func (a serviceActions) SetContextMenuEnabled(ctx context.Context, enabled bool) error {
	_, err := a.svc.SetContextMenuEnabled(ctx, enabled)
	return err
}

func (a serviceActions) ImportTokens(ctx context.Context, tokens []domain.PersistedToken) (core.ImportReport, error) {
	report, _, err := a.svc.ImportTokens(ctx, tokens)
	return report, err
}
