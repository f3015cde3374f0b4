// Package apply restores persisted token data onto live tokens. Plan is a
// pure diff; Operator issues the diff against the scene in one batch.
package apply

import (
	"maps"

	"tokenvault/internal/reconcile"
	"tokenvault/pkg/domain"
)

// Patch is the set of fields written onto one live token.
type Patch struct {
	Key         domain.Key
	Text        *domain.TextContent
	Description *string
	Layer       domain.Layer
	Metadata    domain.Metadata
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool {
	return p.Text == nil && p.Description == nil && p.Layer == "" && len(p.Metadata) == 0
}

// ApplyTo writes the patch onto item.
func (p Patch) ApplyTo(item *domain.Item) {
	if p.Text != nil {
		text := *p.Text
		item.Text = &text
	}
	if p.Description != nil {
		item.Description = *p.Description
	}
	if p.Layer != "" {
		item.Layer = p.Layer
	}
	if len(p.Metadata) > 0 {
		if item.Metadata == nil {
			item.Metadata = make(domain.Metadata, len(p.Metadata))
		}
		maps.Copy(item.Metadata, p.Metadata.Clone())
	}
}

// Batch is the scene diff for one apply call.
type Batch struct {
	Updates map[string]Patch // by live item id
	Order   []string
	Tokens  []string // live tokens changed by updates or attachment replacement
	Deletes []string
	Adds    []domain.Item
}

// Empty reports whether the batch touches nothing.
func (b Batch) Empty() bool {
	return len(b.Updates) == 0 && len(b.Deletes) == 0 && len(b.Adds) == 0
}

// Applied returns how many live tokens the batch changes.
func (b Batch) Applied() int {
	return len(b.Tokens)
}

// CanClobber reports whether entry may overwrite fields of live.
func CanClobber(entry domain.PersistedToken, live domain.Item, overwriteTemplates bool) bool {
	if overwriteTemplates {
		return true
	}
	return entry.Type == domain.PersistenceUnique && entry.LastModified().After(live.LastModified)
}

// Plan computes the scene diff restoring records onto tokens. attachments
// holds the current live attachment subtree per token id. Tokens without a
// record are skipped.
func Plan(records reconcile.TokenLookup, tokens []domain.Item, attachments map[string][]domain.Item, overwriteTemplates bool, newID func() string) Batch {
	batch := Batch{Updates: make(map[string]Patch)}
	for _, live := range tokens {
		entry, ok := records.FindToken(domain.TokenKey(live))
		if !ok {
			continue
		}
		clobber := CanClobber(entry, live, overwriteTemplates)
		patch := Patch{Key: entry.Key()}

		if display, ok := entry.Display(); ok && clobber {
			if !entry.IsDisabled(domain.PropertyText) && display.Text != nil {
				text := *display.Text
				patch.Text = &text
			}
			if !entry.IsDisabled(domain.PropertyDescription) && display.Description != "" {
				desc := display.Description
				patch.Description = &desc
			}
			if !entry.IsDisabled(domain.PropertyLayer) && display.Layer != "" {
				patch.Layer = display.Layer
			}
		}

		if !entry.IsDisabled(domain.PropertyMetadata) {
			for k, v := range entry.Metadata() {
				if _, present := live.Metadata[k]; clobber || !present {
					if patch.Metadata == nil {
						patch.Metadata = make(domain.Metadata)
					}
					patch.Metadata[k] = v
				}
			}
		}

		changed := false
		if !patch.Empty() {
			batch.Updates[live.ID] = patch
			batch.Order = append(batch.Order, live.ID)
			changed = true
		}

		current := attachments[live.ID]
		replace := !entry.IsDisabled(domain.PropertyAttachments) && entry.Attachments != nil &&
			(clobber || len(current) == 0)
		if replace {
			for _, att := range current {
				batch.Deletes = append(batch.Deletes, att.ID)
			}
			batch.Adds = append(batch.Adds, domain.Thaw(live, entry.Attachments, newID)...)
			changed = changed || len(current) > 0 || len(entry.Attachments) > 0
		}
		if changed {
			batch.Tokens = append(batch.Tokens, live.ID)
		}
	}
	return batch
}
