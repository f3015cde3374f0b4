package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokenvault/pkg/domain"
)

func TestPersistFirstUniqueCaptureWins(t *testing.T) {
	ctx := context.Background()
	log := &captureLogger{}
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithLogger(log))

	first := liveToken("a", "goblin.png")
	first.Name = "First"
	second := liveToken("b", "goblin.png")
	second.Name = "Second"

	report, _, err := svc.Persist(ctx, []PersistEntry{
		{Token: first, Type: PersistenceUnique},
		{Token: second, Type: PersistenceUnique},
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(report.Created) != 1 || len(report.Skipped) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	got, _ := svc.Get("goblin.png")
	if got.Name() != "First" {
		t.Fatalf("expected first capture to win, got %q", got.Name())
	}

	if _, _, err := svc.Persist(ctx, []PersistEntry{{Token: second, Type: PersistenceUnique}}); err != nil {
		t.Fatalf("persist again: %v", err)
	}
	got, _ = svc.Get("goblin.png")
	if got.Name() != "First" {
		t.Fatalf("conflicting persist must not overwrite, got %q", got.Name())
	}
	if log.count("warn") < 2 {
		t.Fatalf("expected conflict warnings, got %v", log.calls)
	}
}

func TestPersistTemplateUpdatesSnapshot(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	orc := liveToken("o", "orc.png")
	if _, _, err := svc.Persist(ctx, []PersistEntry{{Token: orc, Type: PersistenceTemplate}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := svc.SetDisabledProperties(ctx, "orc.png", []PersistedProperty{domain.PropertyLayer}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	orc.Metadata = domain.Metadata{"hp": 30.0}
	orc.LastModified = orc.LastModified.Add(time.Hour)
	attachments := []domain.Item{{ID: "label", Type: domain.ItemTypeText, AttachedTo: "o"}}
	report, _, err := svc.Persist(ctx, []PersistEntry{{Token: orc, Type: PersistenceTemplate, Attachments: attachments}})
	if err != nil || len(report.Updated) != 1 {
		t.Fatalf("expected template update, got %+v (%v)", report, err)
	}
	got, _ := svc.Get("orc.png")
	if got.Metadata()["hp"] != 30.0 || len(got.Attachments) != 1 || !got.IsDisabled(domain.PropertyLayer) {
		t.Fatalf("unexpected template after update %+v", got)
	}

	report, _, _ = svc.Persist(ctx, []PersistEntry{{Token: orc, Type: PersistenceUnique}})
	if len(report.Skipped) != 1 {
		t.Fatalf("persisting a template as unique must be skipped, got %+v", report)
	}
	if got, _ := svc.Get("orc.png"); got.Type != PersistenceTemplate {
		t.Fatalf("template type must be preserved")
	}
}

func TestPersistSkipsNonTokens(t *testing.T) {
	svc := NewInMemoryService(nil)
	report, _, err := svc.Persist(context.Background(), []PersistEntry{
		{Token: domain.Item{ID: "t", Type: domain.ItemTypeText}, Type: PersistenceUnique},
	})
	if err != nil || len(report.Skipped) != 1 || len(svc.List()) != 0 {
		t.Fatalf("expected non-token to be skipped, got %+v (%v)", report, err)
	}
	if report, res, err := svc.Persist(context.Background(), nil); err != nil || len(res.Violations) != 0 || len(report.Created) != 0 {
		t.Fatalf("expected empty persist to be a no-op")
	}
}

func TestUpdateStyleCallsIgnoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	if _, err := svc.SetName(ctx, "missing", "x"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if _, err := svc.SetType(ctx, "missing", PersistenceTemplate); err != nil {
		t.Fatalf("set type: %v", err)
	}
	if _, err := svc.SetGroups(ctx, "missing", []string{"a"}); err != nil {
		t.Fatalf("set groups: %v", err)
	}
	if _, err := svc.Remove(ctx, "missing"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.SetType(ctx, "missing", "SOMETIMES"); err == nil {
		t.Fatalf("expected invalid type error")
	}
	if _, err := svc.SetDisabledProperties(ctx, "missing", []PersistedProperty{"COLOR"}); err == nil {
		t.Fatalf("expected invalid property error")
	}
}

func TestSettersAndRemove(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	if _, _, err := svc.Persist(ctx, []PersistEntry{{Token: liveToken("g", "goblin.png"), Type: PersistenceUnique}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := svc.SetName(ctx, "goblin.png", "Boss"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if _, err := svc.SetType(ctx, "goblin.png", PersistenceTemplate); err != nil {
		t.Fatalf("set type: %v", err)
	}
	if _, err := svc.SetGroups(ctx, "goblin.png", []string{"monsters"}); err != nil {
		t.Fatalf("set groups: %v", err)
	}
	got, _ := svc.Get("goblin.png")
	if got.Name() != "Boss" || got.Type != PersistenceTemplate || got.Groups[0] != "monsters" {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := svc.Remove(ctx, "goblin.png"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := svc.Get("goblin.png"); ok {
		t.Fatalf("expected record removed")
	}
}

func TestImportTokensReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	if _, _, err := svc.Persist(ctx, []PersistEntry{
		{Token: liveToken("a", "a.png"), Type: PersistenceUnique},
		{Token: liveToken("b", "b.png"), Type: PersistenceUnique},
	}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	batch := []PersistedToken{
		domain.NewPersistedToken(liveToken("c", "c.png"), PersistenceTemplate, nil),
		domain.NewPersistedToken(liveToken("a2", "a.png"), PersistenceTemplate, nil),
	}
	report, _, err := svc.ImportTokens(ctx, batch)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Created) != 1 || len(report.Replaced) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	list := svc.List()
	if len(list) != 3 || list[0].Key() != "a.png" || list[0].Type != PersistenceTemplate || list[2].Key() != "c.png" {
		t.Fatalf("unexpected order after import")
	}
}

func TestSetContextMenuEnabled(t *testing.T) {
	svc := NewInMemoryService(nil)
	if !svc.Settings().ContextMenuEnabled {
		t.Fatalf("expected context menu enabled by default")
	}
	if _, err := svc.SetContextMenuEnabled(context.Background(), false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if svc.Settings().ContextMenuEnabled {
		t.Fatalf("expected context menu disabled")
	}
}

func TestRecaptureAllOnlyTouchesUniqueRecords(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	if _, _, err := svc.Persist(ctx, []PersistEntry{
		{Token: liveToken("u", "u.png"), Type: PersistenceUnique},
		{Token: liveToken("t", "t.png"), Type: PersistenceTemplate},
	}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	moved := liveToken("u", "u.png")
	moved.Metadata = domain.Metadata{"hp": 1.0}
	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, skipped, _, err := svc.RecaptureAll(ctx, []Recapture{
		{Key: "u.png", Token: moved, LastModified: stamp},
		{Key: "t.png", Token: liveToken("t", "t.png"), LastModified: stamp},
		{Key: "gone.png", Token: liveToken("g", "gone.png"), LastModified: stamp},
	})
	if err != nil {
		t.Fatalf("recapture: %v", err)
	}
	if len(updated) != 1 || len(skipped) != 2 {
		t.Fatalf("unexpected recapture outcome %v %v", updated, skipped)
	}
	got, _ := svc.Get("u.png")
	if got.Metadata()["hp"] != 1.0 || !got.LastModified().Equal(stamp) {
		t.Fatalf("unexpected recaptured record %+v", got)
	}
	if u, s, _, err := svc.RecaptureAll(ctx, nil); u != nil || s != nil || err != nil {
		t.Fatalf("expected empty recapture to be a no-op")
	}
}

func TestServiceObservabilityCompliance(t *testing.T) {
	ctx := context.Background()
	p := &probe{}
	fixed := time.Unix(123, 0).UTC()
	svc := NewInMemoryService(NewDefaultRulesEngine(),
		WithAuditRecorder(p),
		WithMetricsRecorder(p),
		WithTracer(p),
		WithClock(ClockFunc(func() time.Time { return fixed })),
	)

	if _, _, err := svc.Persist(ctx, []PersistEntry{{Token: liveToken("g", "goblin.png"), Type: PersistenceUnique}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !p.saw("audit", "persist", true, func(e event) bool { return e.key == "goblin.png" && e.at.Equal(fixed) }) {
		t.Fatalf("expected audit entry for persist success, got %+v", p.events)
	}
	if !p.saw("metric", "persist", true, nil) || !p.saw("span", "persist", true, nil) {
		t.Fatalf("expected metrics and span for persist")
	}

	bad := domain.NewPersistedToken(liveToken("x", "x.png"), PersistenceUnique, nil)
	bad.Token.Metadata[domain.MetadataKeyPersisted] = "not-a-list"
	if _, _, err := svc.Upsert(ctx, bad); err == nil {
		t.Fatalf("expected blocking rule violation")
	} else {
		var violation RuleViolationError
		if !errors.As(err, &violation) {
			t.Fatalf("expected RuleViolationError, got %v", err)
		}
	}
	if !p.saw("audit", "upsert_token", false, nil) || !p.saw("metric", "upsert_token", false, nil) || !p.saw("span", "upsert_token", false, nil) {
		t.Fatalf("expected failed upsert to be observed")
	}
	if svc.Observability().Clock.Now() != fixed {
		t.Fatalf("expected clock override to be used")
	}
}

func TestServiceLoggerDebugAndError(t *testing.T) {
	log := &captureLogger{}
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithLogger(log))
	ctx := context.Background()
	if _, err := svc.SetContextMenuEnabled(ctx, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if log.count("debug") == 0 {
		t.Fatalf("expected debug log on success")
	}
	if _, _, err := svc.Upsert(ctx, PersistedToken{}); err == nil {
		t.Fatalf("expected error for keyless record")
	}
	if log.count("error") == 0 {
		t.Fatalf("expected error log on failure path")
	}
}

func TestNoopLogger(_ *testing.T) {
	logger := NoopLogger()
	logger.Debug("test debug message", "key", "value")
	logger.Info("test info message", "key", "value")
	logger.Warn("test warn message", "key", "value")
	logger.Error("test error message", "key", "value")
}
