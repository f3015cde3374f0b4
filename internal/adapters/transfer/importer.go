package transfer

import (
	"context"
	"fmt"

	"tokenvault/internal/blob"
	"tokenvault/internal/core"
	"tokenvault/pkg/domain"
)

// Plan is a validated import awaiting confirmation.
type Plan struct {
	Tokens []domain.PersistedToken
	// Collisions lists incoming keys that already have a record.
	Collisions []domain.Key
}

// Importer validates payloads and writes them through a Sink.
type Importer struct {
	source Source
	sink   Sink
	store  blob.Store
}

// NewImporter builds an importer. store may be nil when only raw payloads
// are imported.
func NewImporter(source Source, sink Sink, store blob.Store) *Importer {
	return &Importer{source: source, sink: sink, store: store}
}

// Prepare decodes data. Every record must validate or nothing is returned.
func (im *Importer) Prepare(data []byte) (Plan, error) {
	tokens, err := domain.DecodePersistedTokens(data)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Tokens: tokens, Collisions: im.Collisions(tokens)}, nil
}

// Collisions returns the incoming keys already present in the store, in
// incoming order without repeats.
func (im *Importer) Collisions(tokens []domain.PersistedToken) []domain.Key {
	existing := make(map[domain.Key]struct{})
	for _, token := range im.source.List() {
		existing[token.Key()] = struct{}{}
	}
	var out []domain.Key
	seen := make(map[domain.Key]struct{})
	for _, token := range tokens {
		key := token.Key()
		if _, ok := existing[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Import validates data and writes it. With collisions and overwrite unset
// the store is left untouched and ErrImportCollision is returned.
func (im *Importer) Import(ctx context.Context, data []byte, overwrite bool) (core.ImportReport, error) {
	plan, err := im.Prepare(data)
	if err != nil {
		return core.ImportReport{}, err
	}
	return im.Commit(ctx, plan, overwrite)
}

// ImportArchive imports a stored export.
func (im *Importer) ImportArchive(ctx context.Context, key string, overwrite bool) (core.ImportReport, error) {
	if im.store == nil {
		return core.ImportReport{}, fmt.Errorf("import %s: no blob store configured", key)
	}
	data, err := readBlob(ctx, im.store, key)
	if err != nil {
		return core.ImportReport{}, err
	}
	return im.Import(ctx, data, overwrite)
}

// Commit writes a prepared plan. Collisions are re-checked against the
// store at commit time.
func (im *Importer) Commit(ctx context.Context, plan Plan, overwrite bool) (core.ImportReport, error) {
	if !overwrite {
		if collisions := im.Collisions(plan.Tokens); len(collisions) > 0 {
			return core.ImportReport{}, fmt.Errorf("%w: %d key(s), first %s", ErrImportCollision, len(collisions), collisions[0])
		}
	}
	report, err := im.sink.ImportTokens(ctx, plan.Tokens)
	if err != nil {
		return core.ImportReport{}, fmt.Errorf("import persisted tokens: %w", err)
	}
	return report, nil
}

// ServiceSink adapts a service for imports made without a live session.
func ServiceSink(service *core.Service) Sink { return serviceSink{service} }

type serviceSink struct{ service *core.Service }

func (s serviceSink) ImportTokens(ctx context.Context, tokens []domain.PersistedToken) (core.ImportReport, error) {
	report, _, err := s.service.ImportTokens(ctx, tokens)
	return report, err
}
