package domain

import (
	"slices"
	"time"
)

// PersistenceType selects how a persisted token tracks its live instances.
type PersistenceType string

const (
	// PersistenceUnique records are kept in sync with their single live instance.
	PersistenceUnique PersistenceType = "UNIQUE"
	// PersistenceTemplate records are master copies updated only on request.
	PersistenceTemplate PersistenceType = "TEMPLATE"
)

// Valid reports whether t is a known persistence type.
func (t PersistenceType) Valid() bool {
	return t == PersistenceUnique || t == PersistenceTemplate
}

// PersistedProperty names one group of data restored onto live tokens.
type PersistedProperty string

// Restorable properties. DisabledProperties lists the ones to skip.
const (
	PropertyMetadata    PersistedProperty = "METADATA"
	PropertyAttachments PersistedProperty = "ATTACHMENTS"
	PropertyText        PersistedProperty = "TEXT"
	PropertyLayer       PersistedProperty = "LAYER"
	PropertyDescription PersistedProperty = "DESCRIPTION"
)

var persistedProperties = []PersistedProperty{
	PropertyMetadata,
	PropertyAttachments,
	PropertyText,
	PropertyLayer,
	PropertyDescription,
}

// PersistedProperties lists every restorable property in canonical order.
func PersistedProperties() []PersistedProperty {
	return slices.Clone(persistedProperties)
}

// Valid reports whether p is a known property.
func (p PersistedProperty) Valid() bool {
	return slices.Contains(persistedProperties, p)
}

// InvertPersistedProperties returns the properties not in props.
func InvertPersistedProperties(props []PersistedProperty) []PersistedProperty {
	out := make([]PersistedProperty, 0, len(persistedProperties))
	for _, p := range persistedProperties {
		if !slices.Contains(props, p) {
			out = append(out, p)
		}
	}
	return out
}

// NormalizeProperties drops unknown and repeated entries, keeping canonical order.
func NormalizeProperties(props []PersistedProperty) []PersistedProperty {
	if props == nil {
		return nil
	}
	out := make([]PersistedProperty, 0, len(props))
	for _, p := range persistedProperties {
		if slices.Contains(props, p) {
			out = append(out, p)
		}
	}
	return out
}

// Variant tags which stored shape a PersistedToken was read from.
type Variant string

const (
	// VariantLegacy is the historical flat shape (name, metadata, imageUrl).
	VariantLegacy Variant = "legacy"
	// VariantFull stores a complete token snapshot.
	VariantFull Variant = "full"
)

// LegacyData holds the fields of the historical flat record shape.
type LegacyData struct {
	Name         string
	Metadata     Metadata
	LastModified int64 // unix milliseconds
	ImageURL     string
}

// PersistedToken is one tracked identity key. Exactly one of Legacy or Token
// is set, matching Variant.
type PersistedToken struct {
	Variant            Variant
	Type               PersistenceType
	Attachments        []Item // frozen; nil when none were captured
	DisabledProperties []PersistedProperty
	Groups             []string

	Legacy *LegacyData
	Token  *Item
}

// DisplayProperties are the non-metadata fields restored onto live tokens.
type DisplayProperties struct {
	Text        *TextContent
	Description string
	Layer       Layer
}

// NewPersistedToken captures a live token and its attachments.
func NewPersistedToken(token Item, typ PersistenceType, attachments []Item) PersistedToken {
	snapshot := token.Clone()
	return PersistedToken{
		Variant:     VariantFull,
		Type:        typ,
		Token:       &snapshot,
		Attachments: Freeze(token, attachments),
	}
}

// PersistedTokenUpdate recaptures prev from a live token, keeping the
// user-owned settings (type, groups, disabled properties).
func PersistedTokenUpdate(prev PersistedToken, token Item, lastModified time.Time, attachments []Item) PersistedToken {
	snapshot := token.Clone()
	snapshot.LastModified = lastModified
	return PersistedToken{
		Variant:            VariantFull,
		Type:               prev.Type,
		Groups:             slices.Clone(prev.Groups),
		DisabledProperties: slices.Clone(prev.DisabledProperties),
		Token:              &snapshot,
		Attachments:        Freeze(token, attachments),
	}
}

// Full reports whether the record carries a complete token snapshot.
func (p PersistedToken) Full() bool {
	return p.Variant == VariantFull && p.Token != nil
}

// Key returns the identity key of the record.
func (p PersistedToken) Key() Key {
	switch {
	case p.Full():
		return TokenKey(*p.Token)
	case p.Legacy != nil:
		return Key(p.Legacy.ImageURL)
	default:
		return ""
	}
}

// Name returns the display name of the record.
func (p PersistedToken) Name() string {
	switch {
	case p.Full():
		return p.Token.Name
	case p.Legacy != nil:
		return p.Legacy.Name
	default:
		return ""
	}
}

// Metadata returns the captured metadata. The map is shared; clone before mutating.
func (p PersistedToken) Metadata() Metadata {
	switch {
	case p.Full():
		return p.Token.Metadata
	case p.Legacy != nil:
		return p.Legacy.Metadata
	default:
		return nil
	}
}

// LastModified returns when the captured data was last changed.
func (p PersistedToken) LastModified() time.Time {
	switch {
	case p.Full():
		return p.Token.LastModified
	case p.Legacy != nil:
		return time.UnixMilli(p.Legacy.LastModified).UTC()
	default:
		return time.Time{}
	}
}

// Display returns the captured display properties. Legacy records have none.
func (p PersistedToken) Display() (DisplayProperties, bool) {
	if !p.Full() {
		return DisplayProperties{}, false
	}
	return DisplayProperties{
		Text:        p.Token.Text,
		Description: p.Token.Description,
		Layer:       p.Token.Layer,
	}, true
}

// IsDisabled reports whether prop is excluded from restore.
func (p PersistedToken) IsDisabled(prop PersistedProperty) bool {
	return slices.Contains(p.DisabledProperties, prop)
}

// Clone returns a deep copy.
func (p PersistedToken) Clone() PersistedToken {
	cp := p
	cp.Attachments = CloneItems(p.Attachments)
	cp.DisabledProperties = slices.Clone(p.DisabledProperties)
	cp.Groups = slices.Clone(p.Groups)
	if p.Legacy != nil {
		legacy := *p.Legacy
		legacy.Metadata = p.Legacy.Metadata.Clone()
		cp.Legacy = &legacy
	}
	if p.Token != nil {
		token := p.Token.Clone()
		cp.Token = &token
	}
	return cp
}

// WithName returns a copy renamed to name.
func (p PersistedToken) WithName(name string) PersistedToken {
	cp := p.Clone()
	switch {
	case cp.Full():
		cp.Token.Name = name
	case cp.Legacy != nil:
		cp.Legacy.Name = name
	}
	return cp
}

// WithType returns a copy with the given persistence type.
func (p PersistedToken) WithType(t PersistenceType) PersistedToken {
	cp := p.Clone()
	cp.Type = t
	return cp
}

// WithDisabledProperties returns a copy with the given disabled set.
func (p PersistedToken) WithDisabledProperties(props []PersistedProperty) PersistedToken {
	cp := p.Clone()
	cp.DisabledProperties = NormalizeProperties(props)
	return cp
}

// Canonical converts a legacy record into the full shape written to storage.
// The synthesized token carries the legacy name and no text, description or
// layer, so restoring it touches the same fields as the legacy record did.
func (p PersistedToken) Canonical() PersistedToken {
	if p.Full() || p.Legacy == nil {
		return p.Clone()
	}
	cp := p.Clone()
	token := Item{
		Type:         ItemTypeImage,
		Name:         cp.Legacy.Name,
		LastModified: time.UnixMilli(cp.Legacy.LastModified).UTC(),
		Metadata:     cp.Legacy.Metadata,
		Image:        &ImageContent{URL: cp.Legacy.ImageURL},
	}
	cp.Variant = VariantFull
	cp.Token = &token
	cp.Legacy = nil
	return cp
}
