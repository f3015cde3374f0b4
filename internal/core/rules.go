package core

import (
	"context"
	"fmt"

	"tokenvault/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewPersistedKeyRule())
	engine.Register(NewDisabledPropertiesRule())
	engine.Register(NewAttachmentIntegrityRule())
	return engine
}

// NewPersistedKeyRule blocks written records without an identity key, with
// an unknown persistence type, or whose snapshot no longer classifies as a
// token. Records the transaction did not touch are not inspected.
func NewPersistedKeyRule() domain.Rule {
	return persistedKeyRule{}
}

type persistedKeyRule struct{}

func (persistedKeyRule) Name() string { return "persisted_key_required" }

func (r persistedKeyRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		token, ok := change.After.(domain.PersistedToken)
		if !ok {
			continue
		}
		var msg string
		switch {
		case token.Key() == "":
			msg = "persisted token has no identity key"
		case !token.Type.Valid():
			msg = fmt.Sprintf("persisted token has unknown type %q", token.Type)
		case token.Full() && !domain.IsToken(*token.Token):
			msg = "persisted snapshot is not an image token"
		default:
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityPersistedToken,
			Key:      change.Key,
		})
	}
	return res, nil
}

// NewDisabledPropertiesRule blocks unknown entries in disabled property sets.
func NewDisabledPropertiesRule() domain.Rule {
	return disabledPropertiesRule{}
}

type disabledPropertiesRule struct{}

func (disabledPropertiesRule) Name() string { return "disabled_properties_valid" }

func (r disabledPropertiesRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		after, ok := change.After.(domain.PersistedToken)
		if !ok {
			continue
		}
		for _, prop := range after.DisabledProperties {
			if prop.Valid() {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("unknown persisted property %q", prop),
				Entity:   domain.EntityPersistedToken,
				Key:      change.Key,
			})
		}
	}
	return res, nil
}

// NewAttachmentIntegrityRule warns when a changed record carries frozen
// attachments that reference neither the root nor another attachment. Thaw
// drops such references.
func NewAttachmentIntegrityRule() domain.Rule {
	return attachmentIntegrityRule{}
}

type attachmentIntegrityRule struct{}

func (attachmentIntegrityRule) Name() string { return "frozen_attachment_integrity" }

func (r attachmentIntegrityRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		after, ok := change.After.(domain.PersistedToken)
		if !ok || len(after.Attachments) == 0 {
			continue
		}
		ids := make(map[string]struct{}, len(after.Attachments))
		for _, att := range after.Attachments {
			ids[att.ID] = struct{}{}
		}
		for _, att := range after.Attachments {
			if att.AttachedTo == "" || att.AttachedTo == domain.AttachedToRoot {
				continue
			}
			if _, ok := ids[att.AttachedTo]; ok {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("attachment %s references %s outside the frozen set", att.ID, att.AttachedTo),
				Entity:   domain.EntityPersistedToken,
				Key:      change.Key,
			})
		}
	}
	return res, nil
}
