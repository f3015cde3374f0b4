package bridge

import (
	"encoding/json"

	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// Message types sent to the host. Each carries a request id and is answered
// by a TypeResult message with the same id.
const (
	TypeGetItems           = "getItems"
	TypeGetItemAttachments = "getItemAttachments"
	TypeUpdateItems        = "updateItems"
	TypeDeleteItems        = "deleteItems"
	TypeAddItems           = "addItems"
	TypeSetBadgeText       = "setBadgeText"
	TypeNotify             = "notify"
	TypeCreateMenu         = "createMenu"
	TypeRemoveMenu         = "removeMenu"
	TypeResult             = "result"
)

// Event types pushed by the host without a request.
const (
	EventItemsChange = "itemsChange"
	EventSceneReady  = "sceneReady"
	EventRole        = "role"
	EventMenuClick   = "menuClick"
)

// Message is the JSON envelope of every frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IDsPayload carries item ids.
type IDsPayload struct {
	IDs []string `json:"ids"`
}

// ItemsPayload carries full items.
type ItemsPayload struct {
	Items []domain.Item `json:"items"`
}

// BadgePayload carries the badge text.
type BadgePayload struct {
	Text string `json:"text"`
}

// NotifyPayload carries a notification.
type NotifyPayload struct {
	Message string                       `json:"message"`
	Variant sceneapi.NotificationVariant `json:"variant"`
}

// MenuIDPayload names a context menu entry.
type MenuIDPayload struct {
	ID string `json:"id"`
}

// SceneReadyPayload reports scene readiness.
type SceneReadyPayload struct {
	Ready bool `json:"ready"`
}

// RolePayload reports the local user's role.
type RolePayload struct {
	Role sceneapi.Role `json:"role"`
}

// MenuClickPayload reports a click on an installed context menu entry.
type MenuClickPayload struct {
	ID        string        `json:"id"`
	Selection []domain.Item `json:"selection"`
}
