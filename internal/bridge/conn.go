// Package bridge connects tokenvault to a host scene over a WebSocket. The
// host extension dials in, pushes scene events and answers the requests a
// Conn makes on behalf of the scene, notifier and context menu contracts.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	eventBuffer           = 64
)

// ErrClosed is returned by requests made after the connection ended.
var ErrClosed = errors.New("bridge connection closed")

// Settings tune a Conn.
type Settings struct {
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func (s Settings) withDefaults() Settings {
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = defaultRequestTimeout
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

type reply struct {
	payload json.RawMessage
	err     error
}

// Conn is one host connection. It implements sceneapi.Scene,
// sceneapi.Notifier and sceneapi.ContextMenu.
type Conn struct {
	ws       *websocket.Conn
	settings Settings
	log      *slog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[string]chan reply
	itemHandlers map[int]sceneapi.ItemsChangeHandler
	readyHandler func(context.Context, bool)
	roleHandler  func(context.Context, sceneapi.Role)
	menus        map[string]sceneapi.MenuHandler
	nextHandler  int
	closed       bool

	events chan Message
	done   chan struct{}
}

var (
	_ sceneapi.Scene       = (*Conn)(nil)
	_ sceneapi.Notifier    = (*Conn)(nil)
	_ sceneapi.ContextMenu = (*Conn)(nil)
)

// NewConn wraps an established WebSocket. Call Run to start serving it.
func NewConn(ws *websocket.Conn, settings Settings) *Conn {
	settings = settings.withDefaults()
	return &Conn{
		ws:           ws,
		settings:     settings,
		log:          settings.Logger,
		pending:      make(map[string]chan reply),
		itemHandlers: make(map[int]sceneapi.ItemsChangeHandler),
		menus:        make(map[string]sceneapi.MenuHandler),
		events:       make(chan Message, eventBuffer),
		done:         make(chan struct{}),
	}
}

// OnSceneReady registers the handler for scene readiness events.
func (c *Conn) OnSceneReady(fn func(ctx context.Context, ready bool)) {
	c.mu.Lock()
	c.readyHandler = fn
	c.mu.Unlock()
}

// OnRole registers the handler for role events.
func (c *Conn) OnRole(fn func(ctx context.Context, role sceneapi.Role)) {
	c.mu.Lock()
	c.roleHandler = fn
	c.mu.Unlock()
}

// Done is closed when Run returns.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run reads frames until the socket fails or ctx ends. Responses are routed
// to waiting requests; events are handled one at a time, in arrival order,
// on a separate goroutine so handlers may issue requests themselves.
func (c *Conn) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.events:
				if !ok {
					return
				}
				c.dispatch(ctx, msg)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()

	err := c.readLoop(ctx)
	cancel()
	wg.Wait()
	c.shutdown()
	if parent.Err() != nil {
		return nil
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed bridge frame", "error", err)
			continue
		}
		if msg.Type == TypeResult {
			c.resolve(msg)
			continue
		}
		select {
		case c.events <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn) resolve(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("result for unknown request", "id", msg.ID)
		return
	}
	var err error
	if msg.Error != "" {
		err = fmt.Errorf("host: %s", msg.Error)
	}
	ch <- reply{payload: msg.Payload, err: err}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: ErrClosed}
	}
	close(c.done)
}

func (c *Conn) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case EventItemsChange:
		var p ItemsPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed itemsChange event", "error", err)
			return
		}
		for _, fn := range c.itemsHandlers() {
			fn(ctx, p.Items)
		}
	case EventSceneReady:
		var p SceneReadyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed sceneReady event", "error", err)
			return
		}
		c.mu.Lock()
		fn := c.readyHandler
		c.mu.Unlock()
		if fn != nil {
			fn(ctx, p.Ready)
		}
	case EventRole:
		var p RolePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || !p.Role.Valid() {
			c.log.Warn("malformed role event", "payload", string(msg.Payload))
			return
		}
		c.mu.Lock()
		fn := c.roleHandler
		c.mu.Unlock()
		if fn != nil {
			fn(ctx, p.Role)
		}
	case EventMenuClick:
		var p MenuClickPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed menuClick event", "error", err)
			return
		}
		c.mu.Lock()
		fn := c.menus[p.ID]
		c.mu.Unlock()
		if fn == nil {
			c.log.Debug("click on unknown menu", "menu", p.ID)
			return
		}
		if err := fn(ctx, p.Selection); err != nil {
			c.log.Error("context menu action failed", "menu", p.ID, "error", err)
		}
	default:
		c.log.Debug("ignoring bridge event", "type", msg.Type)
	}
}

func (c *Conn) itemsHandlers() []sceneapi.ItemsChangeHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.itemHandlers))
	for id := range c.itemHandlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]sceneapi.ItemsChangeHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.itemHandlers[id])
	}
	return out
}

// request sends one message and waits for its result. out may be nil.
func (c *Conn) request(ctx context.Context, typ string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	id := ulid.Make().String()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(Message{ID: id, Type: typ, Payload: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", typ, err)
	}

	timer := time.NewTimer(c.settings.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", typ, r.err)
		}
		if out != nil && len(r.payload) > 0 {
			if err := json.Unmarshal(r.payload, out); err != nil {
				return fmt.Errorf("decode %s result: %w", typ, err)
			}
		}
		return nil
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%s: timed out after %s", typ, c.settings.RequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline(c.settings)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// GetItems fetches every item and applies filter locally.
func (c *Conn) GetItems(ctx context.Context, filter sceneapi.ItemFilter) ([]domain.Item, error) {
	var out ItemsPayload
	if err := c.request(ctx, TypeGetItems, IDsPayload{}, &out); err != nil {
		return nil, err
	}
	if filter == nil {
		return out.Items, nil
	}
	kept := make([]domain.Item, 0, len(out.Items))
	for _, item := range out.Items {
		if filter(item) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// GetItemAttachments asks the host for everything attached to ids. The host
// includes the requested items in its reply; they are dropped here.
func (c *Conn) GetItemAttachments(ctx context.Context, ids []string) ([]domain.Item, error) {
	var out ItemsPayload
	if err := c.request(ctx, TypeGetItemAttachments, IDsPayload{IDs: ids}, &out); err != nil {
		return nil, err
	}
	requested := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}
	attachments := make([]domain.Item, 0, len(out.Items))
	for _, item := range out.Items {
		if _, own := requested[item.ID]; !own {
			attachments = append(attachments, item)
		}
	}
	return attachments, nil
}

// UpdateItems fetches the listed items, applies mutate locally and sends the
// results back as one batch. Unknown ids are skipped.
func (c *Conn) UpdateItems(ctx context.Context, ids []string, mutate func(*domain.Item)) error {
	if len(ids) == 0 {
		return nil
	}
	var current ItemsPayload
	if err := c.request(ctx, TypeGetItems, IDsPayload{IDs: ids}, &current); err != nil {
		return err
	}
	byID := make(map[string]domain.Item, len(current.Items))
	for _, item := range current.Items {
		byID[item.ID] = item
	}
	updated := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			continue
		}
		mutate(&item)
		item.ID = id
		updated = append(updated, item)
	}
	if len(updated) == 0 {
		return nil
	}
	return c.request(ctx, TypeUpdateItems, ItemsPayload{Items: updated}, nil)
}

// DeleteItems removes ids and their attachments on the host.
func (c *Conn) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.request(ctx, TypeDeleteItems, IDsPayload{IDs: ids}, nil)
}

// AddItems adds items to the host scene.
func (c *Conn) AddItems(ctx context.Context, items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	return c.request(ctx, TypeAddItems, ItemsPayload{Items: items}, nil)
}

// OnItemsChange registers fn for itemsChange events.
func (c *Conn) OnItemsChange(fn sceneapi.ItemsChangeHandler) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.itemHandlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.itemHandlers, id)
		c.mu.Unlock()
	}
}

// SetBadgeText sets the action badge.
func (c *Conn) SetBadgeText(ctx context.Context, text string) error {
	return c.request(ctx, TypeSetBadgeText, BadgePayload{Text: text}, nil)
}

// Notify shows a notification on the host.
func (c *Conn) Notify(ctx context.Context, message string, variant sceneapi.NotificationVariant) error {
	return c.request(ctx, TypeNotify, NotifyPayload{Message: message, Variant: variant}, nil)
}

// Create installs a context menu entry. Its click handler stays local and
// runs on menuClick events.
func (c *Conn) Create(ctx context.Context, spec sceneapi.MenuSpec) error {
	if err := c.request(ctx, TypeCreateMenu, spec, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.menus[spec.ID] = spec.OnClick
	c.mu.Unlock()
	return nil
}

// Remove uninstalls a context menu entry.
func (c *Conn) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.menus, id)
	c.mu.Unlock()
	return c.request(ctx, TypeRemoveMenu, MenuIDPayload{ID: id}, nil)
}

func deadline(s Settings) time.Time {
	return time.Now().Add(s.WriteTimeout)
}
