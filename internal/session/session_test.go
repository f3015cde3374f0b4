package session

import (
	"context"
	"testing"

	"tokenvault/internal/core"
	scenemem "tokenvault/internal/infra/scene/memory"
	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

type harness struct {
	scene    *scenemem.Scene
	notifier *scenemem.Notifier
	menu     *scenemem.ContextMenu
	session  *Session
}

func newHarness(t *testing.T, role sceneapi.Role) *harness {
	t.Helper()
	h := &harness{
		scene:    scenemem.NewScene(),
		notifier: &scenemem.Notifier{},
		menu:     &scenemem.ContextMenu{},
	}
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	h.session = New(svc, h.scene,
		WithRole(role),
		WithNotifier(h.notifier),
		WithContextMenu(h.menu),
	)
	ctx := context.Background()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.session.Close)
	if err := h.session.SetSceneReady(ctx, true); err != nil {
		t.Fatalf("scene ready: %v", err)
	}
	return h
}

func tokenItem(id, url string) domain.Item {
	return domain.Item{
		ID:       id,
		Type:     domain.ItemTypeImage,
		Name:     url,
		Layer:    domain.LayerCharacter,
		Image:    &domain.ImageContent{URL: url},
		Text:     &domain.TextContent{PlainText: url},
		Metadata: domain.Metadata{},
	}
}

func (h *harness) add(t *testing.T, items ...domain.Item) {
	t.Helper()
	if err := h.scene.AddItems(context.Background(), items); err != nil {
		t.Fatalf("add items: %v", err)
	}
}

func (h *harness) item(t *testing.T, id string) domain.Item {
	t.Helper()
	it, ok := h.scene.Item(id)
	if !ok {
		t.Fatalf("missing item %s", id)
	}
	return it
}

func TestGMReappliesPersistedDataToNewInstances(t *testing.T) {
	h := newHarness(t, sceneapi.RoleGM)
	ctx := context.Background()
	x := tokenItem("x", "x.png")
	x.Metadata["hp"] = "10"
	h.add(t, x)

	report, err := h.session.PersistSelection(ctx, []domain.Item{h.item(t, "x")})
	if err != nil || len(report.Created) != 1 {
		t.Fatalf("persist: %+v %v", report, err)
	}
	if err := h.scene.DeleteItems(ctx, []string{"x"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.add(t, tokenItem("x2", "x.png"))
	if got := h.item(t, "x2").Metadata["hp"]; got != "10" {
		t.Fatalf("expected persisted metadata restored, got %v", got)
	}
}

func TestPlayerDoesNotApply(t *testing.T) {
	h := newHarness(t, sceneapi.RolePlayer)
	ctx := context.Background()
	src := tokenItem("x", "x.png")
	src.Metadata["hp"] = "10"
	if _, _, err := h.session.Service().Persist(ctx, []core.PersistEntry{{Token: src, Type: domain.PersistenceUnique}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	h.add(t, tokenItem("x2", "x.png"))
	if _, ok := h.item(t, "x2").Metadata["hp"]; ok {
		t.Fatalf("player session must not write to the scene")
	}
	if h.menu.Len() != 0 {
		t.Fatalf("player session must not install context menus")
	}
}

func TestPersistSelectionChoosesType(t *testing.T) {
	h := newHarness(t, sceneapi.RoleGM)
	ctx := context.Background()
	label := domain.Item{ID: "lb", Type: domain.ItemTypeLabel, AttachedTo: "b"}
	h.add(t, tokenItem("a1", "a.png"), tokenItem("a2", "a.png"), tokenItem("b", "b.png"), label)
	selection := []domain.Item{h.item(t, "a1"), h.item(t, "b"), h.item(t, "lb")}
	report, err := h.session.PersistSelection(ctx, selection)
	if err != nil || len(report.Created) != 2 {
		t.Fatalf("persist: %+v %v", report, err)
	}
	a, _ := h.session.Service().Get("a.png")
	b, _ := h.session.Service().Get("b.png")
	if a.Type != domain.PersistenceTemplate || b.Type != domain.PersistenceUnique {
		t.Fatalf("unexpected types %s %s", a.Type, b.Type)
	}
	if len(b.Attachments) != 1 || b.Attachments[0].AttachedTo != domain.AttachedToRoot {
		t.Fatalf("expected frozen label, got %+v", b.Attachments)
	}
	again, _ := h.session.PersistSelection(ctx, []domain.Item{h.item(t, "b")})
	if len(again.Skipped) != 1 {
		t.Fatalf("expected second unique capture skipped, got %+v", again)
	}
}

func TestBadgeTracksOverusedUniqueKeys(t *testing.T) {
	h := newHarness(t, sceneapi.RoleGM)
	ctx := context.Background()
	h.add(t, tokenItem("a1", "a.png"))
	if _, err := h.session.PersistSelection(ctx, []domain.Item{h.item(t, "a1")}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if h.notifier.Badge() != "" {
		t.Fatalf("unexpected badge %q", h.notifier.Badge())
	}
	h.add(t, tokenItem("a2", "a.png"))
	if h.notifier.Badge() != BadgeOverused {
		t.Fatalf("expected overuse badge, got %q", h.notifier.Badge())
	}
	if err := h.scene.DeleteItems(ctx, []string{"a2"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.notifier.Badge() != "" {
		t.Fatalf("expected badge cleared, got %q", h.notifier.Badge())
	}
}

func TestContextMenuWatcher(t *testing.T) {
	h := newHarness(t, sceneapi.RoleGM)
	ctx := context.Background()
	spec, ok := h.menu.Menu(MenuPersist)
	if !ok || h.menu.Len() != 1 {
		t.Fatalf("expected only the persist menu, got %d", h.menu.Len())
	}
	if spec.Filter.Matches(sceneapi.RoleGM, domain.Item{ID: "m", Type: domain.ItemTypeImage, Layer: domain.LayerMap, Image: &domain.ImageContent{URL: "map.png"}}) {
		t.Fatalf("persist menu must exclude the map layer")
	}

	h.add(t, tokenItem("t1", "t.png"), tokenItem("t2", "t.png"))
	if _, err := h.session.PersistSelection(ctx, []domain.Item{h.item(t, "t1")}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if h.menu.Len() != 3 {
		t.Fatalf("expected template menus installed, got %d", h.menu.Len())
	}
	spec, _ = h.menu.Menu(MenuPersist)
	if spec.Filter.Matches(sceneapi.RoleGM, h.item(t, "t1")) {
		t.Fatalf("tracked keys must be excluded from the persist menu")
	}

	if err := h.session.SetContextMenuEnabled(ctx, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if h.menu.Len() != 0 {
		t.Fatalf("expected menus removed, got %d", h.menu.Len())
	}
	if err := h.session.SetContextMenuEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if h.menu.Len() != 3 {
		t.Fatalf("expected menus reinstalled, got %d", h.menu.Len())
	}
	if err := h.session.RemoveToken(ctx, "t.png"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if h.menu.Len() != 1 {
		t.Fatalf("expected template menus removed with the last template, got %d", h.menu.Len())
	}
}

func TestTemplateMenus(t *testing.T) {
	h := newHarness(t, sceneapi.RoleGM)
	ctx := context.Background()
	goblin := tokenItem("g1", "goblin.png")
	goblin.Text = &domain.TextContent{PlainText: "Goblin"}
	h.add(t, goblin, tokenItem("g2", "goblin.png"))
	if _, err := h.session.PersistSelection(ctx, []domain.Item{h.item(t, "g1")}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := h.scene.UpdateItems(ctx, []string{"g1"}, func(it *domain.Item) {
		it.Text = &domain.TextContent{PlainText: "Goblin (wounded)"}
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.menu.Click(ctx, MenuResetTemplate, sceneapi.RoleGM, []domain.Item{h.item(t, "g1")}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := h.item(t, "g1").Text.PlainText; got != "Goblin" {
		t.Fatalf("expected template text restored, got %q", got)
	}

	if err := h.scene.UpdateItems(ctx, []string{"g2"}, func(it *domain.Item) { it.Metadata["hp"] = "7" }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.menu.Click(ctx, MenuUpdateTemplate, sceneapi.RoleGM, []domain.Item{h.item(t, "g2")}); err != nil {
		t.Fatalf("update template: %v", err)
	}
	rec, _ := h.session.Service().Get("goblin.png")
	if rec.Metadata()["hp"] != "7" {
		t.Fatalf("expected template refreshed, got %v", rec.Metadata())
	}
	notes := h.notifier.Notifications()
	if len(notes) != 2 || notes[0].Message != "Reset item to template" || notes[1].Message != "Template updated!" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
}

func TestStateSubscriptions(t *testing.T) {
	h := newHarness(t, sceneapi.RolePlayer)
	ctx := context.Background()
	var states []State
	unsubscribe := h.session.Subscribe(func(s State) { states = append(states, s) })
	defer unsubscribe()

	if err := h.session.SetRole(ctx, sceneapi.RoleGM); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := h.session.SetRole(ctx, "OWNER"); err == nil {
		t.Fatalf("expected invalid role error")
	}
	h.add(t, tokenItem("a", "a.png"))
	if len(states) < 2 || states[0].Role != sceneapi.RoleGM || !states[0].SceneReady {
		t.Fatalf("unexpected states %+v", states)
	}
	last := states[len(states)-1]
	if last.Usage.Count("a.png") != 1 || !last.ContextMenuEnabled {
		t.Fatalf("unexpected last state %+v", last)
	}

	if err := h.session.SetSceneReady(ctx, false); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if st := h.session.State(); st.SceneReady || st.Usage.Count("a.png") != 0 {
		t.Fatalf("expected cleared state, got %+v", st)
	}
}

// ownerEchoScene answers attachment queries with the owners included, as the
// Owlbear host does.
type ownerEchoScene struct {
	*scenemem.Scene
}

func (s ownerEchoScene) GetItemAttachments(ctx context.Context, ids []string) ([]domain.Item, error) {
	owners, err := s.GetItems(ctx, func(it domain.Item) bool {
		for _, id := range ids {
			if it.ID == id {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	children, err := s.Scene.GetItemAttachments(ctx, ids)
	if err != nil {
		return nil, err
	}
	return append(owners, children...), nil
}

func TestCaptureNeverFreezesTheOwner(t *testing.T) {
	ctx := context.Background()
	scene := scenemem.NewScene()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	sess := New(svc, ownerEchoScene{scene}, WithRole(sceneapi.RolePlayer))
	if err := scene.AddItems(ctx, []domain.Item{
		tokenItem("x", "x.png"),
		{ID: "l", Type: domain.ItemTypeLabel, AttachedTo: "x", Metadata: domain.Metadata{}},
	}); err != nil {
		t.Fatalf("add items: %v", err)
	}
	owner, _ := scene.Item("x")

	check := func(stage string) {
		t.Helper()
		rec, ok := svc.Get("x.png")
		if !ok {
			t.Fatalf("%s: record missing", stage)
		}
		if len(rec.Attachments) != 1 || rec.Attachments[0].ID != "l" {
			t.Fatalf("%s: expected only the label frozen, got %+v", stage, rec.Attachments)
		}
	}
	if _, err := sess.PersistSelection(ctx, []domain.Item{owner}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	check("persist")

	if err := sess.SetType(ctx, "x.png", domain.PersistenceTemplate); err != nil {
		t.Fatalf("set type: %v", err)
	}
	if _, err := sess.UpdateTemplates(ctx, []domain.Item{owner}); err != nil {
		t.Fatalf("update templates: %v", err)
	}
	check("update templates")
}
