package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord reports a persisted token record with an unexpected shape.
	ErrInvalidRecord = errors.New("invalid persisted token record")
	// ErrInvalidImport rejects an import payload that failed validation.
	ErrInvalidImport = errors.New("invalid JSON file; must contain persisted token list")
	// ErrEmptyImport rejects an import payload without records.
	ErrEmptyImport = errors.New("import contains no persisted tokens")
)

type persistedRecord struct {
	Type               PersistenceType     `json:"type"`
	Groups             []string            `json:"groups,omitempty"`
	DisabledProperties []PersistedProperty `json:"disabledProperties,omitempty"`
	Attachments        *[]Item             `json:"attachments,omitempty"`
	Token              *Item               `json:"token"`
}

// MarshalJSON always writes the full record shape.
func (p PersistedToken) MarshalJSON() ([]byte, error) {
	canonical := p.Canonical()
	if canonical.Token == nil {
		return nil, fmt.Errorf("%w: no token snapshot", ErrInvalidRecord)
	}
	rec := persistedRecord{
		Type:               canonical.Type,
		Groups:             canonical.Groups,
		DisabledProperties: canonical.DisabledProperties,
		Token:              canonical.Token,
	}
	if canonical.Attachments != nil {
		rec.Attachments = &canonical.Attachments
	}
	return json.Marshal(rec)
}

// UnmarshalJSON accepts both the legacy flat shape and the full shape, and
// rejects anything else.
func (p *PersistedToken) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return fmt.Errorf("%w: not an object", ErrInvalidRecord)
	}

	var out PersistedToken
	if err := decodeField(fields, "type", &out.Type, true); err != nil {
		return err
	}
	if !out.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, out.Type)
	}
	if raw, ok := fields["attachments"]; ok {
		attachments, err := decodeAttachments(raw)
		if err != nil {
			return err
		}
		out.Attachments = attachments
	}
	if raw, ok := fields["restoreAttachments"]; ok {
		var restore bool
		if err := strictDecode(raw, &restore); err != nil {
			return fmt.Errorf("%w: restoreAttachments must be a boolean", ErrInvalidRecord)
		}
	}
	if raw, ok := fields["groups"]; ok {
		if err := strictDecode(raw, &out.Groups); err != nil || out.Groups == nil {
			return fmt.Errorf("%w: groups must be a list of strings", ErrInvalidRecord)
		}
	}
	if raw, ok := fields["disabledProperties"]; ok {
		var props []PersistedProperty
		if err := strictDecode(raw, &props); err != nil || props == nil {
			return fmt.Errorf("%w: disabledProperties must be a list", ErrInvalidRecord)
		}
		for _, prop := range props {
			if !prop.Valid() {
				return fmt.Errorf("%w: unknown property %q", ErrInvalidRecord, prop)
			}
		}
		out.DisabledProperties = NormalizeProperties(props)
	}

	if raw, ok := fields["token"]; ok && !isNull(raw) {
		var token Item
		if err := json.Unmarshal(raw, &token); err != nil {
			return fmt.Errorf("%w: token: %v", ErrInvalidRecord, err)
		}
		if !IsToken(token) {
			return fmt.Errorf("%w: token is not an image token", ErrInvalidRecord)
		}
		out.Variant = VariantFull
		out.Token = &token
		*p = out
		return nil
	}

	legacy := LegacyData{}
	var lastModified float64
	if err := decodeField(fields, "name", &legacy.Name, true); err != nil {
		return err
	}
	if err := decodeField(fields, "metadata", &legacy.Metadata, true); err != nil {
		return err
	}
	if legacy.Metadata == nil {
		return fmt.Errorf("%w: metadata must be an object", ErrInvalidRecord)
	}
	if err := decodeField(fields, "lastModified", &lastModified, true); err != nil {
		return err
	}
	if err := decodeField(fields, "imageUrl", &legacy.ImageURL, true); err != nil {
		return err
	}
	legacy.LastModified = int64(lastModified)
	out.Variant = VariantLegacy
	out.Legacy = &legacy
	*p = out
	return nil
}

// DecodePersistedTokens validates an exported token list. Every element must
// be valid before any is returned.
func DecodePersistedTokens(data []byte) ([]PersistedToken, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil || raws == nil {
		return nil, ErrInvalidImport
	}
	if len(raws) == 0 {
		return nil, ErrEmptyImport
	}
	out := make([]PersistedToken, 0, len(raws))
	for i, raw := range raws {
		var token PersistedToken
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidImport, i, err)
		}
		out = append(out, token)
	}
	return out, nil
}

// EncodePersistedTokens writes tokens as an indented JSON array.
func EncodePersistedTokens(tokens []PersistedToken) ([]byte, error) {
	if tokens == nil {
		tokens = []PersistedToken{}
	}
	return json.MarshalIndent(tokens, "", "  ")
}

func decodeAttachments(raw json.RawMessage) ([]Item, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || elems == nil {
		return nil, fmt.Errorf("%w: attachments must be a list", ErrInvalidRecord)
	}
	out := make([]Item, 0, len(elems))
	for i, elem := range elems {
		var item Item
		if err := json.Unmarshal(elem, &item); err != nil {
			return nil, fmt.Errorf("%w: attachment %d: %v", ErrInvalidRecord, i, err)
		}
		if item.ID == "" || item.Type == "" {
			return nil, fmt.Errorf("%w: attachment %d is not an item", ErrInvalidRecord, i)
		}
		out = append(out, item)
	}
	return out, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any, required bool) error {
	raw, ok := fields[name]
	if !ok {
		if required {
			return fmt.Errorf("%w: missing %s", ErrInvalidRecord, name)
		}
		return nil
	}
	if err := strictDecode(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, name, err)
	}
	return nil
}

// strictDecode refuses null, which encoding/json would silently accept.
func strictDecode(raw json.RawMessage, dst any) error {
	if isNull(raw) {
		return errors.New("null value")
	}
	return json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
