// Package sceneapi declares the collaborators tokenvault talks to on the host
// side: the live scene graph, the badge and notification surface, and the
// context menu. Implementations live under internal/infra/scene and
// internal/bridge; tests use in-memory fakes.
package sceneapi

import (
	"context"

	"tokenvault/pkg/domain"
)

// Role is the session role of the local user.
type Role string

// Roles reported by the host.
const (
	RoleGM     Role = "GM"
	RolePlayer Role = "PLAYER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleGM || r == RolePlayer
}

// ItemFilter selects items in GetItems. A nil filter selects everything.
type ItemFilter func(domain.Item) bool

// ItemsChangeHandler receives the full item list after every scene change.
type ItemsChangeHandler func(ctx context.Context, items []domain.Item)

// Scene is the host scene graph.
type Scene interface {
	GetItems(ctx context.Context, filter ItemFilter) ([]domain.Item, error)
	// GetItemAttachments returns every item transitively attached to ids,
	// excluding the items themselves.
	GetItemAttachments(ctx context.Context, ids []string) ([]domain.Item, error)
	// UpdateItems applies mutate to each listed item as one host batch.
	UpdateItems(ctx context.Context, ids []string, mutate func(*domain.Item)) error
	DeleteItems(ctx context.Context, ids []string) error
	AddItems(ctx context.Context, items []domain.Item) error
	// OnItemsChange registers fn and returns a function that removes it.
	OnItemsChange(fn ItemsChangeHandler) (unsubscribe func())
}

// NotificationVariant styles a user notification.
type NotificationVariant string

// Notification variants understood by the host.
const (
	NotifyDefault NotificationVariant = "DEFAULT"
	NotifySuccess NotificationVariant = "SUCCESS"
	NotifyWarning NotificationVariant = "WARNING"
	NotifyError   NotificationVariant = "ERROR"
)

// Notifier drives the action badge and transient notifications.
type Notifier interface {
	// SetBadgeText shows text on the action badge; empty clears it.
	SetBadgeText(ctx context.Context, text string) error
	Notify(ctx context.Context, message string, variant NotificationVariant) error
}

// MenuFilter describes which selections a context menu entry applies to.
type MenuFilter struct {
	Roles []Role `json:"roles,omitempty"`
	// ImageURLsIn restricts to image items whose URL is listed.
	ImageURLsIn []string `json:"imageUrlsIn,omitempty"`
	// ImageURLsNotIn excludes image items whose URL is listed.
	ImageURLsNotIn []string       `json:"imageUrlsNotIn,omitempty"`
	ExcludeLayers  []domain.Layer `json:"excludeLayers,omitempty"`
}

// Matches reports whether item passes the filter for role.
func (f MenuFilter) Matches(role Role, item domain.Item) bool {
	if len(f.Roles) > 0 && !contains(f.Roles, role) {
		return false
	}
	if item.Type != domain.ItemTypeImage || item.Image == nil {
		return false
	}
	if contains(f.ExcludeLayers, item.Layer) {
		return false
	}
	if f.ImageURLsIn != nil && !contains(f.ImageURLsIn, item.Image.URL) {
		return false
	}
	return !contains(f.ImageURLsNotIn, item.Image.URL)
}

// MenuHandler runs when the user clicks a context menu entry.
type MenuHandler func(ctx context.Context, selection []domain.Item) error

// MenuSpec is one context menu entry.
type MenuSpec struct {
	ID      string      `json:"id"`
	Label   string      `json:"label"`
	Icon    string      `json:"icon,omitempty"`
	Filter  MenuFilter  `json:"filter"`
	OnClick MenuHandler `json:"-"`
}

// ContextMenu installs and removes context menu entries.
type ContextMenu interface {
	// Create installs spec, replacing an entry with the same id.
	Create(ctx context.Context, spec MenuSpec) error
	Remove(ctx context.Context, id string) error
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
