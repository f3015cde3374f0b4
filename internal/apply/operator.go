package apply

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tokenvault/internal/core"
	"tokenvault/internal/reconcile"
	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

// Records lists the persisted tokens to restore from.
type Records interface {
	List() []domain.PersistedToken
}

// Option customises an Operator.
type Option func(*Operator)

// WithIDGenerator replaces the attachment id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Operator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithLogger sets the operator logger.
func WithLogger(logger core.Logger) Option {
	return func(o *Operator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEngineMetrics counts applied tokens on m.
func WithEngineMetrics(m core.EngineMetrics) Option {
	return func(o *Operator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Operator restores persisted data onto live tokens.
type Operator struct {
	scene   sceneapi.Scene
	records Records
	newID   func() string
	logger  core.Logger
	metrics core.EngineMetrics
}

// NewOperator builds an operator writing to scene.
func NewOperator(scene sceneapi.Scene, records Records, opts ...Option) *Operator {
	o := &Operator{
		scene:   scene,
		records: records,
		newID:   uuid.NewString,
		logger:  core.NoopLogger(),
		metrics: core.NoopEngineMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Apply restores records onto tokens. Scene writes are issued as at most one
// update, one delete and one add call; errors are returned unretried.
func (o *Operator) Apply(ctx context.Context, tokens []domain.Item, overwriteTemplates bool) (Batch, error) {
	if len(tokens) == 0 {
		return Batch{}, nil
	}
	index := reconcile.NewRecordIndex(o.records.List())
	var tracked []domain.Item
	ids := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := index.FindToken(domain.TokenKey(tok)); ok {
			tracked = append(tracked, tok)
			ids = append(ids, tok.ID)
		}
	}
	if len(tracked) == 0 {
		return Batch{}, nil
	}

	live, err := o.scene.GetItemAttachments(ctx, ids)
	if err != nil {
		return Batch{}, fmt.Errorf("get attachments: %w", err)
	}
	batch := Plan(index, tracked, groupByOwner(tracked, live), overwriteTemplates, o.newID)
	if batch.Empty() {
		return batch, nil
	}

	if len(batch.Order) > 0 {
		err := o.scene.UpdateItems(ctx, batch.Order, func(item *domain.Item) {
			if patch, ok := batch.Updates[item.ID]; ok {
				patch.ApplyTo(item)
			}
		})
		if err != nil {
			return batch, fmt.Errorf("update tokens: %w", err)
		}
	}
	if len(batch.Deletes) > 0 {
		if err := o.scene.DeleteItems(ctx, batch.Deletes); err != nil {
			return batch, fmt.Errorf("delete attachments: %w", err)
		}
	}
	if len(batch.Adds) > 0 {
		if err := o.scene.AddItems(ctx, batch.Adds); err != nil {
			return batch, fmt.Errorf("add attachments: %w", err)
		}
	}
	o.metrics.AddAppliedTokens(batch.Applied())
	o.logger.Info("applied persisted tokens", "tokens", batch.Applied(), "deleted", len(batch.Deletes), "added", len(batch.Adds), "overwrite", overwriteTemplates)
	return batch, nil
}

// groupByOwner assigns each attachment to the nearest token among owners.
func groupByOwner(owners []domain.Item, attachments []domain.Item) map[string][]domain.Item {
	items := make(reconcile.ItemMap, len(owners)+len(attachments))
	isOwner := make(map[string]struct{}, len(owners))
	for _, owner := range owners {
		items[owner.ID] = owner
		isOwner[owner.ID] = struct{}{}
	}
	for _, att := range attachments {
		if _, ok := isOwner[att.ID]; !ok {
			items[att.ID] = att
		}
	}
	out := make(map[string][]domain.Item, len(owners))
	for _, att := range attachments {
		if _, ok := isOwner[att.ID]; ok {
			continue
		}
		for ancestor := range reconcile.WalkParents(items, att) {
			if _, ok := isOwner[ancestor.ID]; ok && ancestor.ID != att.ID {
				out[ancestor.ID] = append(out[ancestor.ID], att)
				break
			}
		}
	}
	return out
}
