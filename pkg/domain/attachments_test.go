package domain

import (
	"fmt"
	"testing"
)

func TestFreezeRewritesIntoOwnerFrame(t *testing.T) {
	owner := imageItem("owner", "goblin.png")
	owner.ZIndex = 10
	owner.Position = Vector{X: 100, Y: 50}
	attachments := []Item{
		{ID: "label", Type: ItemTypeText, AttachedTo: "owner", ZIndex: 11, Position: Vector{X: 110, Y: 40}},
		{ID: "ring", Type: ItemTypeShape, AttachedTo: "label", ZIndex: 12, Position: Vector{X: 100, Y: 50}},
	}
	frozen := Freeze(owner, attachments)
	if frozen[0].AttachedTo != AttachedToRoot {
		t.Fatalf("expected owner reference to become root, got %q", frozen[0].AttachedTo)
	}
	if frozen[1].AttachedTo != "label" {
		t.Fatalf("expected nested reference to be kept, got %q", frozen[1].AttachedTo)
	}
	if frozen[0].ZIndex != 1 || frozen[0].Position != (Vector{X: 10, Y: -10}) {
		t.Fatalf("unexpected relative frame %+v", frozen[0])
	}
	if attachments[0].AttachedTo != "owner" {
		t.Fatalf("freeze must not mutate its input")
	}
	if Freeze(owner, nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
	if got := Freeze(owner, []Item{}); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", got)
	}
}

func TestThawRestoresFrameWithFreshIDs(t *testing.T) {
	original := imageItem("owner", "goblin.png")
	original.ZIndex = 3
	original.Position = Vector{X: 5, Y: 5}
	attachments := []Item{
		{ID: "label", Type: ItemTypeText, AttachedTo: "owner", ZIndex: 4, Position: Vector{X: 6, Y: 7}},
		{ID: "ring", Type: ItemTypeShape, AttachedTo: "label", ZIndex: 5, Position: Vector{X: 5, Y: 5}},
		{ID: "stray", Type: ItemTypeShape, AttachedTo: "gone", ZIndex: 3, Position: Vector{}},
	}
	frozen := Freeze(original, attachments)

	target := imageItem("copy", "goblin.png")
	target.ZIndex = 20
	target.Position = Vector{X: -5, Y: 0}
	n := 0
	newID := func() string { n++; return fmt.Sprintf("id-%d", n) }
	live := Thaw(target, frozen, newID)

	if len(live) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(live))
	}
	if live[0].ID != "id-1" || live[0].AttachedTo != "copy" {
		t.Fatalf("expected first attachment reattached to target, got %+v", live[0])
	}
	if live[1].AttachedTo != live[0].ID {
		t.Fatalf("expected nested attachment to follow remapped parent, got %q", live[1].AttachedTo)
	}
	if live[2].AttachedTo != "" {
		t.Fatalf("expected unresolved reference to be dropped, got %q", live[2].AttachedTo)
	}
	if live[0].ZIndex != 21 || live[0].Position != (Vector{X: -4, Y: 2}) {
		t.Fatalf("unexpected absolute frame %+v", live[0])
	}
}

func TestFreezeThawRoundTripOnSameOwner(t *testing.T) {
	owner := imageItem("owner", "goblin.png")
	owner.ZIndex = 7
	owner.Position = Vector{X: 12.5, Y: -3}
	attachments := []Item{
		{ID: "a", Type: ItemTypeText, AttachedTo: "owner", ZIndex: 8, Position: Vector{X: 1, Y: 1}},
		{ID: "b", Type: ItemTypeShape, AttachedTo: "a", ZIndex: 9, Position: Vector{X: 2, Y: 2}},
	}
	identity := map[string]string{"a": "a", "b": "b"}
	order := []string{"a", "b"}
	i := 0
	live := Thaw(owner, Freeze(owner, attachments), func() string {
		id := identity[order[i]]
		i++
		return id
	})
	for idx := range attachments {
		want, got := attachments[idx], live[idx]
		if got.ID != want.ID || got.AttachedTo != want.AttachedTo || got.ZIndex != want.ZIndex || got.Position != want.Position {
			t.Fatalf("round trip mismatch at %d: want %+v got %+v", idx, want, got)
		}
	}
	if Thaw(owner, nil, func() string { return "x" }) != nil {
		t.Fatalf("expected nil frozen set to thaw to nil")
	}
}
