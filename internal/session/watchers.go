package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// Context menu entry ids.
const (
	MenuPersist        = "tokenvault/context-menu/persist"
	MenuUpdateTemplate = "tokenvault/context-menu/update-template"
	MenuResetTemplate  = "tokenvault/context-menu/reset-template"
)

// BadgeOverused is shown while a UNIQUE key has several live instances.
const BadgeOverused = "!"

func (s *Session) refreshWatchers(ctx context.Context) error {
	return errors.Join(s.refreshBadge(ctx), s.refreshMenus(ctx))
}

func (s *Session) refreshBadge(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	s.stateMu.RLock()
	overused := s.usage.Overused(s.service.List())
	s.stateMu.RUnlock()
	text := ""
	if len(overused) > 0 {
		text = BadgeOverused
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.badgeSet && s.badge == text {
		return nil
	}
	if err := s.notifier.SetBadgeText(ctx, text); err != nil {
		return fmt.Errorf("set badge: %w", err)
	}
	s.badge, s.badgeSet = text, true
	return nil
}

func (s *Session) refreshMenus(ctx context.Context) error {
	if s.menu == nil {
		return nil
	}
	enabled := s.service.Settings().ContextMenuEnabled && s.Role() == sceneapi.RoleGM
	var tracked, templates []string
	if enabled {
		for _, rec := range s.service.List() {
			tracked = append(tracked, string(rec.Key()))
			if rec.Type == domain.PersistenceTemplate {
				templates = append(templates, string(rec.Key()))
			}
		}
	}
	signature := fmt.Sprintf("%t|%s|%s", enabled, strings.Join(tracked, ","), strings.Join(templates, ","))

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.menuState == signature {
		return nil
	}
	var err error
	switch {
	case !enabled:
		err = s.removeMenus(ctx, MenuPersist, MenuUpdateTemplate, MenuResetTemplate)
	default:
		err = s.installPersistMenu(ctx, tracked)
		if len(templates) == 0 {
			err = errors.Join(err, s.removeMenus(ctx, MenuUpdateTemplate, MenuResetTemplate))
		} else {
			err = errors.Join(err, s.installTemplateMenus(ctx, templates))
		}
	}
	if err != nil {
		return fmt.Errorf("context menus: %w", err)
	}
	s.menuState = signature
	return nil
}

func (s *Session) installPersistMenu(ctx context.Context, tracked []string) error {
	return s.menu.Create(ctx, sceneapi.MenuSpec{
		ID:    MenuPersist,
		Label: "Persist",
		Icon:  "save",
		Filter: sceneapi.MenuFilter{
			Roles:          []sceneapi.Role{sceneapi.RoleGM},
			ImageURLsNotIn: slices.Clone(tracked),
			ExcludeLayers:  []domain.Layer{domain.LayerMap},
		},
		OnClick: func(ctx context.Context, selection []domain.Item) error {
			_, err := s.PersistSelection(ctx, selection)
			return err
		},
	})
}

func (s *Session) installTemplateMenus(ctx context.Context, templates []string) error {
	filter := sceneapi.MenuFilter{
		Roles:       []sceneapi.Role{sceneapi.RoleGM},
		ImageURLsIn: slices.Clone(templates),
	}
	return errors.Join(
		s.menu.Create(ctx, sceneapi.MenuSpec{
			ID:     MenuUpdateTemplate,
			Label:  "Update Template",
			Icon:   "save",
			Filter: filter,
			OnClick: func(ctx context.Context, selection []domain.Item) error {
				_, err := s.UpdateTemplates(ctx, selection)
				return err
			},
		}),
		s.menu.Create(ctx, sceneapi.MenuSpec{
			ID:     MenuResetTemplate,
			Label:  "Reset to Template",
			Icon:   "load",
			Filter: filter,
			OnClick: func(ctx context.Context, selection []domain.Item) error {
				_, err := s.ResetToTemplate(ctx, selection)
				return err
			},
		}),
	)
}

func (s *Session) removeMenus(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		errs = append(errs, s.menu.Remove(ctx, id))
	}
	return errors.Join(errs...)
}
