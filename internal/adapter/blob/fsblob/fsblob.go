// Package fsblob stores blobs on the local filesystem under their content
// reference. It fans objects out over 256 two-hex-digit directories so no
// single directory grows unbounded.
package fsblob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/domain"
)

// Store writes each blob to <dir>/<hh>/<rest-of-digest>.
type Store struct {
	dir string
}

// New creates dir if needed and returns a Store rooted there.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("op=fsblob.New: %w: empty dir", domain.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=fsblob.New: %w", err)
	}
	return &Store{dir: dir}, nil
}

var _ domain.BlobStore = (*Store)(nil)

// Put stores data under its content reference. An existing object with the
// same digest already holds the same bytes, so the write is skipped.
func (s *Store) Put(ctx domain.Context, id string, data []byte) (string, error) {
	if id == "" {
		return "", fmt.Errorf("op=fsblob.Put: %w: empty id", domain.ErrInvalidArgument)
	}
	ref := blob.Sum(data)
	digest, err := blob.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("op=fsblob.Put: %w", err)
	}
	dst := s.path(digest)

	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("op=fsblob.Put: %w", err)
	}
	if err := s.writeAtomic(dst, data); err != nil {
		return "", fmt.Errorf("op=fsblob.Put: %w", err)
	}
	return ref, nil
}

// Get returns the bytes behind ref, or domain.ErrNotFound.
func (s *Store) Get(ctx domain.Context, ref string) ([]byte, error) {
	digest, err := blob.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("op=fsblob.Get: %w", err)
	}
	data, err := os.ReadFile(s.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("op=fsblob.Get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=fsblob.Get: %w", err)
	}
	return data, nil
}

func (s *Store) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest[2:])
}

// writeAtomic lands the blob with a temp-file rename so readers never
// observe a torn object.
func (s *Store) writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
