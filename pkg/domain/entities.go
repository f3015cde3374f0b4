// Package domain defines the scene items, tokens, persisted token records and
// transactional store contracts used by tokenvault.
package domain

import (
	"encoding/json"
	"time"
)

// ItemType identifies the kind of scene item reported by the host.
type ItemType string

// Item types reported by the host scene. Only images can be tokens.
const (
	ItemTypeImage ItemType = "IMAGE"
	ItemTypeText  ItemType = "TEXT"
	ItemTypeShape ItemType = "SHAPE"
	ItemTypeLabel ItemType = "LABEL"
	ItemTypeCurve ItemType = "CURVE"
	ItemTypeLine  ItemType = "LINE"
)

// Layer names the host layer an item is rendered on.
type Layer string

// Host layers referenced by the engine and the context menu filters.
const (
	LayerMap        Layer = "MAP"
	LayerProp       Layer = "PROP"
	LayerMount      Layer = "MOUNT"
	LayerCharacter  Layer = "CHARACTER"
	LayerAttachment Layer = "ATTACHMENT"
	LayerText       Layer = "TEXT"
)

// Vector is a 2D scene coordinate.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns v+o.
func (v Vector) Add(o Vector) Vector { return Vector{X: v.X + o.X, Y: v.Y + o.Y} }

// Sub returns v-o.
func (v Vector) Sub(o Vector) Vector { return Vector{X: v.X - o.X, Y: v.Y - o.Y} }

// ImageContent references the image rendered by an image item.
type ImageContent struct {
	URL    string  `json:"url"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	MIME   string  `json:"mime,omitempty"`
}

// TextContent is the label text carried by image items.
type TextContent struct {
	PlainText string          `json:"plainText"`
	RichText  json.RawMessage `json:"richText,omitempty"`
	Type      string          `json:"type,omitempty"`
}

// Metadata is the free-form per-item metadata mapping shared by extensions.
type Metadata map[string]any

// Item is one live scene item. Fields the engine does not model are kept in
// Extra so items round-trip through JSON without loss.
type Item struct {
	ID           string        `json:"id"`
	Type         ItemType      `json:"type"`
	Name         string        `json:"name"`
	AttachedTo   string        `json:"attachedTo,omitempty"`
	LastModified time.Time     `json:"lastModified"`
	ZIndex       float64       `json:"zIndex"`
	Position     Vector        `json:"position"`
	Layer        Layer         `json:"layer,omitempty"`
	Metadata     Metadata      `json:"metadata"`
	Image        *ImageContent `json:"image,omitempty"`
	Text         *TextContent  `json:"text,omitempty"`
	Description  string        `json:"description,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type itemAlias Item

var itemKnownFields = []string{
	"id", "type", "name", "attachedTo", "lastModified", "zIndex",
	"position", "layer", "metadata", "image", "text", "description",
}

// MarshalJSON emits the modelled fields merged with any preserved host fields.
func (it Item) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(itemAlias(it))
	if err != nil || len(it.Extra) == 0 {
		return base, err
	}
	merged := make(map[string]json.RawMessage, len(it.Extra)+len(itemKnownFields))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range it.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the modelled fields and keeps the rest in Extra.
func (it *Item) UnmarshalJSON(data []byte) error {
	var alias itemAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range itemKnownFields {
		delete(raw, k)
	}
	alias.Extra = nil
	if len(raw) > 0 {
		alias.Extra = raw
	}
	*it = Item(alias)
	return nil
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	cp := it
	cp.Metadata = it.Metadata.Clone()
	if it.Image != nil {
		img := *it.Image
		cp.Image = &img
	}
	if it.Text != nil {
		txt := *it.Text
		txt.RichText = cloneRaw(it.Text.RichText)
		cp.Text = &txt
	}
	if it.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(it.Extra))
		for k, v := range it.Extra {
			cp.Extra[k] = cloneRaw(v)
		}
	}
	return cp
}

// PlainText returns the item's plain label text, empty when it has none.
func (it Item) PlainText() string {
	if it.Text == nil {
		return ""
	}
	return it.Text.PlainText
}

// CloneItems deep-copies a slice, preserving nil.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// Clone deep-copies nested maps and slices decoded from JSON.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return cloneRaw(t)
	default:
		return v
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return cp
}
