// Package transfer exports the persisted token list to blob storage and
// imports it back. Archives are the same indented JSON array a user would
// download, keyed under exports/ with a timestamp and a ULID.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"tokenvault/internal/blob"
	"tokenvault/internal/core"
	"tokenvault/pkg/domain"
)

// Prefix holds every export archive.
const Prefix = "exports/"

const contentType = "application/json"

// ErrImportCollision aborts an import that would replace existing records
// without the caller's consent.
var ErrImportCollision = errors.New("import collides with existing persisted tokens")

// Source lists the current persisted tokens.
type Source interface {
	List() []domain.PersistedToken
}

// Sink writes an import batch in one transaction.
type Sink interface {
	ImportTokens(ctx context.Context, tokens []domain.PersistedToken) (core.ImportReport, error)
}

// Archive describes one stored export.
type Archive struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Tokens    int       `json:"tokens"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Exporter writes archives of the persisted token list.
type Exporter struct {
	source Source
	store  blob.Store
	now    func() time.Time
}

// NewExporter builds an exporter. A nil clock means time.Now.
func NewExporter(source Source, store blob.Store, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{source: source, store: store, now: now}
}

// Export stores the current token list and returns the new archive.
func (e *Exporter) Export(ctx context.Context) (Archive, error) {
	tokens := e.source.List()
	payload, err := domain.EncodePersistedTokens(tokens)
	if err != nil {
		return Archive{}, fmt.Errorf("encode persisted tokens: %w", err)
	}
	now := e.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	key := Prefix + "tokens-" + now.Format("20060102T150405Z") + "-" + id + ".json"
	info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"tokens": strconv.Itoa(len(tokens))},
	})
	if err != nil {
		return Archive{}, fmt.Errorf("store export %s: %w", key, err)
	}
	return Archive{ID: id, Key: key, Tokens: len(tokens), SizeBytes: info.Size, CreatedAt: now}, nil
}

// List returns the stored archives, oldest first.
func (e *Exporter) List(ctx context.Context) ([]Archive, error) {
	infos, err := e.store.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	out := make([]Archive, 0, len(infos))
	for _, info := range infos {
		archive := Archive{Key: info.Key, SizeBytes: info.Size, CreatedAt: info.LastModified}
		archive.Tokens, _ = strconv.Atoi(info.Metadata["tokens"])
		if id, ok := archiveID(info.Key); ok {
			archive.ID = id.String()
			archive.CreatedAt = ulid.Time(id.Time()).UTC()
		}
		out = append(out, archive)
	}
	return out, nil
}

// Read returns the raw bytes of an archive.
func (e *Exporter) Read(ctx context.Context, key string) ([]byte, error) {
	return readBlob(ctx, e.store, key)
}

// URL returns a download link for an archive when the driver can sign one.
func (e *Exporter) URL(ctx context.Context, key string) (string, error) {
	return e.store.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: 15 * time.Minute})
}

func archiveID(key string) (ulid.ULID, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(key, Prefix), ".json")
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return ulid.ULID{}, false
	}
	id, err := ulid.ParseStrict(name[i+1:])
	return id, err == nil
}

func readBlob(ctx context.Context, store blob.Store, key string) ([]byte, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
