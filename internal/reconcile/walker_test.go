package reconcile

import (
	"testing"

	"tokenvault/pkg/domain"
)

func ids(seq func(func(domain.Item) bool)) []string {
	var out []string
	for item := range seq {
		out = append(out, item.ID)
	}
	return out
}

func TestWalkParentsFollowsChain(t *testing.T) {
	items := ItemMap{
		"t": token("t", "t.png", 0),
		"a": attachment("a", "t", 0),
		"b": attachment("b", "a", 0),
	}
	got := ids(WalkParents(items, items["b"]))
	if len(got) != 3 || got[0] != "b" || got[1] != "a" || got[2] != "t" {
		t.Fatalf("unexpected walk %v", got)
	}
	if again := ids(WalkParents(items, items["b"])); len(again) != 3 {
		t.Fatalf("expected restartable walk, got %v", again)
	}
}

func TestWalkParentsStopsOnMissingParent(t *testing.T) {
	items := ItemMap{"a": attachment("a", "gone", 0)}
	if got := ids(WalkParents(items, items["a"])); len(got) != 1 {
		t.Fatalf("expected walk to end at missing parent, got %v", got)
	}
}

func TestWalkParentsTwoCycleTerminates(t *testing.T) {
	items := ItemMap{
		"a": attachment("a", "b", 0),
		"b": attachment("b", "a", 0),
	}
	for _, start := range []string{"a", "b"} {
		got := ids(WalkParents(items, items[start]))
		if len(got) > 2 {
			t.Fatalf("walk from %s yielded %v", start, got)
		}
	}
	self := ItemMap{"s": attachment("s", "s", 0)}
	if got := ids(WalkParents(self, self["s"])); len(got) != 1 {
		t.Fatalf("self loop yielded %v", got)
	}
}

func TestWalkParentsHonoursEarlyStop(t *testing.T) {
	items := ItemMap{
		"t": token("t", "t.png", 0),
		"a": attachment("a", "t", 0),
	}
	n := 0
	for range WalkParents(items, items["a"]) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected a single iteration, got %d", n)
	}
}

func TestWalkParentUniqueTokensFilters(t *testing.T) {
	outer := token("outer", "outer.png", 0)
	mount := token("mount", "mount.png", 0)
	mount.AttachedTo = "outer"
	label := attachment("label", "mount", 0)
	items := ItemMap{"outer": outer, "mount": mount, "label": label}
	records := NewRecordIndex([]domain.PersistedToken{
		domain.NewPersistedToken(outer, domain.PersistenceUnique, nil),
		domain.NewPersistedToken(mount, domain.PersistenceTemplate, nil),
	})
	var got []string
	for anc := range WalkParentUniqueTokens(records, items, label) {
		got = append(got, anc.Item.ID)
		if anc.Entry.Key() != "outer.png" {
			t.Fatalf("unexpected entry %s", anc.Entry.Key())
		}
	}
	if len(got) != 1 || got[0] != "outer" {
		t.Fatalf("expected only the unique ancestor, got %v", got)
	}
}

func TestDescendantsCollectsNestedAttachments(t *testing.T) {
	snap := NewSnapshot([]domain.Item{
		token("t", "t.png", 0),
		attachment("a", "t", 0),
		attachment("b", "a", 0),
		attachment("x", "y", 0),
		attachment("y", "x", 0),
	})
	got := Descendants(snap.Items, snap.Order, "t")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected descendants %+v", got)
	}
	if none := Descendants(snap.Items, snap.Order, "a-missing"); none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", none)
	}
}

func TestSnapshotUsageAndOverused(t *testing.T) {
	notToken := token("n", "dup.png", 0)
	notToken.Metadata[domain.MetadataKeyPersisted] = "broken"
	snap := NewSnapshot([]domain.Item{
		token("a", "dup.png", 0),
		token("b", "dup.png", 0),
		token("c", "solo.png", 0),
		notToken,
		attachment("l", "a", 0),
	})
	if snap.Usage.Count("dup.png") != 2 || snap.Usage.Count("solo.png") != 1 || snap.Usage.Count("none.png") != 0 {
		t.Fatalf("unexpected usage %v", snap.Usage)
	}
	if len(snap.Tokens) != 3 {
		t.Fatalf("expected three tokens, got %d", len(snap.Tokens))
	}
	records := []domain.PersistedToken{
		domain.NewPersistedToken(token("a", "dup.png", 0), domain.PersistenceUnique, nil),
		domain.NewPersistedToken(token("c", "solo.png", 0), domain.PersistenceUnique, nil),
	}
	over := snap.Usage.Overused(records)
	if len(over) != 1 || over[0] != "dup.png" {
		t.Fatalf("unexpected overused %v", over)
	}
	records[0] = records[0].WithType(domain.PersistenceTemplate)
	if over := snap.Usage.Overused(records); len(over) != 0 {
		t.Fatalf("templates are never overused, got %v", over)
	}
}
