package memory

import (
	"context"
	"fmt"
	"sync"

	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// Notification is one message sent through Notifier.
type Notification struct {
	Message string
	Variant sceneapi.NotificationVariant
}

// Notifier records badge text and notifications.
type Notifier struct {
	mu    sync.Mutex
	badge string
	notes []Notification
}

var _ sceneapi.Notifier = (*Notifier)(nil)

// SetBadgeText implements sceneapi.Notifier.
func (n *Notifier) SetBadgeText(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.badge = text
	return nil
}

// Notify implements sceneapi.Notifier.
func (n *Notifier) Notify(_ context.Context, message string, variant sceneapi.NotificationVariant) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, Notification{Message: message, Variant: variant})
	return nil
}

// Badge returns the current badge text.
func (n *Notifier) Badge() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.badge
}

// Notifications returns every notification sent so far.
func (n *Notifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}

// ContextMenu holds installed menu entries and can simulate clicks.
type ContextMenu struct {
	mu    sync.Mutex
	menus map[string]sceneapi.MenuSpec
}

var _ sceneapi.ContextMenu = (*ContextMenu)(nil)

// Create implements sceneapi.ContextMenu. Creating an existing id replaces it.
func (c *ContextMenu) Create(_ context.Context, spec sceneapi.MenuSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.menus == nil {
		c.menus = make(map[string]sceneapi.MenuSpec)
	}
	c.menus[spec.ID] = spec
	return nil
}

// Remove implements sceneapi.ContextMenu.
func (c *ContextMenu) Remove(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.menus, id)
	return nil
}

// Menu returns the installed entry with id.
func (c *ContextMenu) Menu(id string) (sceneapi.MenuSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.menus[id]
	return spec, ok
}

// Len returns the number of installed entries.
func (c *ContextMenu) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.menus)
}

// Click runs the entry's handler the way the host would: only when every
// selected item passes the entry filter for role.
func (c *ContextMenu) Click(ctx context.Context, id string, role sceneapi.Role, selection []domain.Item) error {
	spec, ok := c.Menu(id)
	if !ok {
		return fmt.Errorf("context menu %s not installed", id)
	}
	for _, item := range selection {
		if !spec.Filter.Matches(role, item) {
			return fmt.Errorf("context menu %s hidden for item %s", id, item.ID)
		}
	}
	return spec.OnClick(ctx, selection)
}
