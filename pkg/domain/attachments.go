package domain

// AttachedToRoot replaces references to the owning token inside a frozen
// attachment set.
const AttachedToRoot = "ROOT"

// Freeze rewrites attachments into the owner's frame: references to the owner
// become AttachedToRoot and position/zIndex become owner-relative. A nil input
// stays nil so "no attachments captured" is distinct from "captured none".
func Freeze(owner Item, attachments []Item) []Item {
	if attachments == nil {
		return nil
	}
	out := make([]Item, len(attachments))
	for i, att := range attachments {
		frozen := att.Clone()
		if frozen.AttachedTo == owner.ID {
			frozen.AttachedTo = AttachedToRoot
		}
		frozen.ZIndex = att.ZIndex - owner.ZIndex
		frozen.Position = att.Position.Sub(owner.Position)
		out[i] = frozen
	}
	return out
}

// Thaw restores a frozen attachment set onto owner. Every attachment gets a
// fresh id from newID, AttachedToRoot resolves to owner.ID, and references
// that resolve to nothing in the set are dropped.
func Thaw(owner Item, frozen []Item, newID func() string) []Item {
	if frozen == nil {
		return nil
	}
	ids := make(map[string]string, len(frozen)+1)
	ids[AttachedToRoot] = owner.ID
	for _, att := range frozen {
		ids[att.ID] = newID()
	}
	out := make([]Item, len(frozen))
	for i, att := range frozen {
		live := att.Clone()
		live.ID = ids[att.ID]
		if att.AttachedTo != "" {
			live.AttachedTo = ids[att.AttachedTo]
		}
		live.ZIndex = att.ZIndex + owner.ZIndex
		live.Position = att.Position.Add(owner.Position)
		out[i] = live
	}
	return out
}
