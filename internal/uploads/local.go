package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// metaSuffix marks the sidecar file holding a blob's content type.
const metaSuffix = ".meta"

// LocalStore keeps uploads on the local filesystem. The storage key maps
// directly to a path under the base directory, so the store needs no
// index and survives restarts. Content types live in sidecar files next
// to the data.
type LocalStore struct {
	baseDir string
}

var _ BlobStore = (*LocalStore)(nil)

// NewLocalStore creates a disk store rooted at dir, creating it if
// needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &LocalStore{baseDir: dir}, nil
}

// Put writes the content to a temp file and renames it into place, so a
// failed write never leaves a partial blob at the final path.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	target, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("rename upload: %w", err)
	}

	if err := os.WriteFile(target+metaSuffix, []byte(contentType), 0644); err != nil {
		os.Remove(target) //nolint:errcheck
		return fmt.Errorf("write upload metadata: %w", err)
	}
	return nil
}

// Open returns the stored content and its recorded content type.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	target, err := s.pathFor(key)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, "", fmt.Errorf("open upload: %w", err)
	}

	contentType := "application/octet-stream"
	if meta, err := os.ReadFile(target + metaSuffix); err == nil {
		if ct := strings.TrimSpace(string(meta)); ct != "" {
			contentType = ct
		}
	}
	return f, contentType, nil
}

// Delete removes the blob and its sidecar. Missing files are fine.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	target, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete upload: %w", err)
	}
	if err := os.Remove(target + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete upload metadata: %w", err)
	}
	return nil
}

// Exists reports whether the key holds content.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	target, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// pathFor maps a key to an absolute path, rejecting keys that would
// escape the base directory.
func (s *LocalStore) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid upload key: %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}
