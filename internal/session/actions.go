package session

import (
	"context"
	"fmt"

	"tokenvault/internal/apply"
	"tokenvault/internal/core"
	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// PersistSelection captures the selected tokens with their attachments. A
// token whose key is also shown by a non-selected image becomes a TEMPLATE,
// otherwise UNIQUE. Non-tokens in the selection are ignored.
func (s *Session) PersistSelection(ctx context.Context, selection []domain.Item) (core.PersistReport, error) {
	tokens := domain.FilterTokens(selection)
	if len(tokens) == 0 {
		return core.PersistReport{}, nil
	}
	selected := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		selected[tok.ID] = struct{}{}
	}
	images, err := s.scene.GetItems(ctx, isImage)
	if err != nil {
		return core.PersistReport{}, fmt.Errorf("list scene images: %w", err)
	}
	used := make(map[domain.Key]struct{})
	for _, img := range images {
		if _, ok := selected[img.ID]; !ok {
			used[domain.TokenKey(img)] = struct{}{}
		}
	}

	entries := make([]core.PersistEntry, 0, len(tokens))
	for _, tok := range tokens {
		typ := domain.PersistenceUnique
		if _, shared := used[domain.TokenKey(tok)]; shared {
			typ = domain.PersistenceTemplate
		}
		attachments, err := s.attachmentsOf(ctx, tok)
		if err != nil {
			return core.PersistReport{}, err
		}
		entries = append(entries, core.PersistEntry{Token: tok, Type: typ, Attachments: attachments})
	}
	return s.persist(ctx, entries)
}

// UpdateTemplates re-captures the selected tokens as TEMPLATE records.
func (s *Session) UpdateTemplates(ctx context.Context, selection []domain.Item) (core.PersistReport, error) {
	tokens := domain.FilterTokens(selection)
	entries := make([]core.PersistEntry, 0, len(tokens))
	for _, tok := range tokens {
		attachments, err := s.attachmentsOf(ctx, tok)
		if err != nil {
			return core.PersistReport{}, err
		}
		entries = append(entries, core.PersistEntry{Token: tok, Type: domain.PersistenceTemplate, Attachments: attachments})
	}
	report, err := s.persist(ctx, entries)
	if err != nil {
		return report, err
	}
	s.notify(ctx, plural("Template", "Templates", len(tokens))+" updated!", sceneapi.NotifySuccess)
	return report, nil
}

// ResetToTemplate restores the selected tokens from their records,
// overwriting live text, description, layer, metadata and attachments.
func (s *Session) ResetToTemplate(ctx context.Context, selection []domain.Item) (apply.Batch, error) {
	tokens := domain.FilterTokens(selection)
	batch, err := s.operator.Apply(ctx, tokens, true)
	if err != nil {
		return batch, fmt.Errorf("reset to template: %w", err)
	}
	s.notify(ctx, "Reset "+plural("item", "items", len(tokens))+" to template", sceneapi.NotifySuccess)
	return batch, nil
}

// attachmentsOf returns the items attached to tok, never tok itself.
func (s *Session) attachmentsOf(ctx context.Context, tok domain.Item) ([]domain.Item, error) {
	items, err := s.scene.GetItemAttachments(ctx, []string{tok.ID})
	if err != nil {
		return nil, fmt.Errorf("attachments of %s: %w", tok.ID, err)
	}
	attachments := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if item.ID != tok.ID {
			attachments = append(attachments, item)
		}
	}
	return attachments, nil
}

func (s *Session) persist(ctx context.Context, entries []core.PersistEntry) (core.PersistReport, error) {
	var report core.PersistReport
	err := s.mutate(ctx, func() error {
		var err error
		report, _, err = s.service.Persist(ctx, entries)
		return err
	})
	return report, err
}

// SetType changes the persistence type of key.
func (s *Session) SetType(ctx context.Context, key domain.Key, typ domain.PersistenceType) error {
	return s.mutate(ctx, func() error {
		_, err := s.service.SetType(ctx, key, typ)
		return err
	})
}

// SetName renames the record for key.
func (s *Session) SetName(ctx context.Context, key domain.Key, name string) error {
	return s.mutate(ctx, func() error {
		_, err := s.service.SetName(ctx, key, name)
		return err
	})
}

// SetDisabledProperties replaces the properties skipped on restore.
func (s *Session) SetDisabledProperties(ctx context.Context, key domain.Key, props []domain.PersistedProperty) error {
	return s.mutate(ctx, func() error {
		_, err := s.service.SetDisabledProperties(ctx, key, props)
		return err
	})
}

// SetGroups replaces the groups of key.
func (s *Session) SetGroups(ctx context.Context, key domain.Key, groups []string) error {
	return s.mutate(ctx, func() error {
		_, err := s.service.SetGroups(ctx, key, groups)
		return err
	})
}

// RemoveToken stops tracking key.
func (s *Session) RemoveToken(ctx context.Context, key domain.Key) error {
	return s.mutate(ctx, func() error {
		_, err := s.service.Remove(ctx, key)
		return err
	})
}

// ImportTokens writes an already validated and confirmed batch.
func (s *Session) ImportTokens(ctx context.Context, tokens []domain.PersistedToken) (core.ImportReport, error) {
	var report core.ImportReport
	err := s.mutate(ctx, func() error {
		var err error
		report, _, err = s.service.ImportTokens(ctx, tokens)
		return err
	})
	return report, err
}

// SetContextMenuEnabled toggles the context menus.
func (s *Session) SetContextMenuEnabled(ctx context.Context, enabled bool) error {
	return s.mutate(ctx, func() error {
		_, err := s.service.SetContextMenuEnabled(ctx, enabled)
		return err
	})
}

func (s *Session) notify(ctx context.Context, message string, variant sceneapi.NotificationVariant) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, message, variant); err != nil {
		s.logger.Warn("notification failed", "error", err)
	}
}

func isImage(item domain.Item) bool {
	return item.Type == domain.ItemTypeImage && item.Image != nil
}

func plural(one, many string, n int) string {
	if n > 1 {
		return many
	}
	return one
}
