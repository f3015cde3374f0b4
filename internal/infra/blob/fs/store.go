// Package fs stores blobs as files under a root directory, each with a JSON
// sidecar holding its content type, metadata and checksum.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tokenvault/internal/blob/core"
)

const metaSuffix = ".meta"

// Store implements core.Store on the local filesystem. Writes go through a
// temp file and a rename; concurrent writers of the same key race.
type Store struct {
	root string
	now  func() time.Time
}

// New returns a store rooted at root, creating the directory when needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./blobdata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Driver reports core.DriverFilesystem.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SHA256      string            `json:"sha256"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (m sidecar) info(key string) core.Info {
	return core.Info{
		Key:          key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		ETag:         m.SHA256,
		Metadata:     core.CloneMetadata(m.Metadata),
		LastModified: m.CreatedAt,
	}
}

func (s *Store) paths(key string) (clean, data, meta string, err error) {
	clean, err = core.CleanKey(key)
	if err != nil {
		return "", "", "", err
	}
	if strings.HasSuffix(clean, metaSuffix) {
		return "", "", "", fmt.Errorf("%w: %q uses the reserved %s suffix", core.ErrInvalidKey, key, metaSuffix)
	}
	data = filepath.Join(s.root, filepath.FromSlash(clean))
	return clean, data, data + metaSuffix, nil
}

// Put writes r under key and fails with core.ErrExists when key is taken.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	clean, data, meta, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(data); err == nil {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, clean)
	}
	dir := filepath.Dir(data)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Info{}, err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	sum := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, sum), r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Info{}, fmt.Errorf("write %s: %w", clean, err)
	}

	m := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		SHA256:      hex.EncodeToString(sum.Sum(nil)),
		Size:        size,
		CreatedAt:   s.now(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return core.Info{}, err
	}
	if err := os.WriteFile(meta, raw, 0o644); err != nil {
		return core.Info{}, err
	}
	if err := os.Rename(tmp.Name(), data); err != nil {
		_ = os.Remove(meta)
		return core.Info{}, err
	}
	return m.info(clean), nil
}

// Get opens key for reading. The caller closes the returned file.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	clean, data, meta, err := s.paths(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	m, err := readSidecar(clean, meta)
	if err != nil {
		return core.Info{}, nil, err
	}
	file, err := os.Open(data)
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Info{}, nil, fmt.Errorf("%w: %s", core.ErrNotFound, clean)
	}
	if err != nil {
		return core.Info{}, nil, err
	}
	return m.info(clean), file, nil
}

// Head returns the stored metadata of key.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	clean, _, meta, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	m, err := readSidecar(clean, meta)
	if err != nil {
		return core.Info{}, err
	}
	return m.info(clean), nil
}

// Delete removes key and its sidecar.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	_, data, meta, err := s.paths(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(data); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(meta)
	return true, nil
}

// List walks the root for sidecars whose key starts with prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		m, err := readSidecar(key, path)
		if err != nil {
			return err
		}
		infos = append(infos, m.info(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignURL returns an unsigned file URL; local files need no signature.
func (s *Store) PresignURL(ctx context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, "GET") {
		return "", core.ErrUnsupported
	}
	if _, err := s.Head(ctx, key); err != nil {
		return "", err
	}
	_, data, _, _ := s.paths(key)
	abs, err := filepath.Abs(data)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func readSidecar(key, path string) (sidecar, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, iofs.ErrNotExist) {
		return sidecar{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	if err != nil {
		return sidecar{}, err
	}
	var m sidecar
	if err := json.Unmarshal(raw, &m); err != nil {
		return sidecar{}, fmt.Errorf("decode sidecar of %s: %w", key, err)
	}
	return m, nil
}
