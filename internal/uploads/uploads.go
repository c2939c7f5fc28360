// Package uploads implements the file side-channel: clients upload
// attachments over HTTP and retrieve them later by opaque key.
//
// A Service sits in front of a BlobStore backend. It mints an id per
// stored file, derives the storage key "<id>/<filename>", and hands back
// a record with the retrieval URL. Backends: local disk (LocalStore) and
// S3-compatible object storage (S3Store).
package uploads

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotConfigured means no storage backend is bound. Surfaced to
	// clients as a server configuration error.
	ErrNotConfigured = errors.New("upload storage not configured")

	// ErrNotFound means the requested key holds no file.
	ErrNotFound = errors.New("upload not found")

	// ErrTooLarge means the file exceeds the configured size cap.
	ErrTooLarge = errors.New("upload exceeds size limit")
)

// DefaultMaxFileSize caps a single uploaded file at 25 MiB.
const DefaultMaxFileSize int64 = 25 << 20

// BlobStore is the storage backend boundary for uploaded files. Keys are
// forward-slash paths; implementations own their layout underneath.
type BlobStore interface {
	// Put stores the reader's content under key with the given content
	// type, replacing any previous content.
	Put(ctx context.Context, key, contentType string, r io.Reader) error

	// Open returns the stored content and its content type. Missing keys
	// return an error wrapping ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key holds content.
	Exists(ctx context.Context, key string) (bool, error)
}

// StoredFile describes one stored upload in the shape the upload
// endpoint returns to clients.
type StoredFile struct {
	ID           string `json:"-"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"-"`
	RetrievalURL string `json:"retrievalURL"`
}

// ServiceConfig holds the optional settings for a Service.
type ServiceConfig struct {
	// BaseURL prefixes retrieval URLs. Empty yields relative URLs.
	BaseURL string

	// MaxFileSize caps a single file. Default: DefaultMaxFileSize.
	MaxFileSize int64

	// Logger receives structured store/retrieve logs.
	Logger *slog.Logger
}

// Service stores uploads in a BlobStore and addresses them by
// "<id>/<filename>" keys. A Service with a nil store is valid and fails
// every operation with ErrNotConfigured.
type Service struct {
	store   BlobStore
	baseURL string
	maxSize int64
	logger  *slog.Logger
}

// NewService creates an upload service over the given backend. A nil
// store is allowed; it makes the service report ErrNotConfigured.
func NewService(store BlobStore, cfg ServiceConfig) *Service {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		maxSize: maxSize,
		logger:  logger.With("component", "uploads"),
	}
}

// Configured reports whether a storage backend is bound.
func (s *Service) Configured() bool {
	return s != nil && s.store != nil
}

// Store saves one file under a fresh id and returns its record. The
// content type is taken from the declaration, the filename extension, or
// a content sniff, in that order.
func (s *Service) Store(ctx context.Context, filename, contentType string, r io.Reader) (*StoredFile, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}

	name := SanitizeFilename(filename)
	id := uuid.NewString()
	detected, reader := resolveContentType(contentType, name, r)

	// Read one byte past the cap; landing there means the file is too big.
	counter := &countingReader{r: reader}
	key := id + "/" + name
	if err := s.store.Put(ctx, key, detected, io.LimitReader(counter, s.maxSize+1)); err != nil {
		return nil, err
	}
	if counter.n > s.maxSize {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to remove oversized upload", "key", key, "error", err)
		}
		return nil, ErrTooLarge
	}

	s.logger.Info("upload stored",
		"id", id,
		"name", name,
		"content_type", detected,
		"size", counter.n)

	return &StoredFile{
		ID:           id,
		Name:         name,
		ContentType:  detected,
		Size:         counter.n,
		RetrievalURL: s.baseURL + "/uploads/" + id + "/" + name,
	}, nil
}

// Open streams a stored file back. The filename must match the one the
// file was stored under.
func (s *Service) Open(ctx context.Context, id, filename string) (io.ReadCloser, string, error) {
	if !s.Configured() {
		return nil, "", ErrNotConfigured
	}
	if !validKeyPart(id) || !validKeyPart(filename) {
		return nil, "", ErrNotFound
	}
	return s.store.Open(ctx, id+"/"+filename)
}

// Delete removes a stored file.
func (s *Service) Delete(ctx context.Context, id, filename string) error {
	if !s.Configured() {
		return ErrNotConfigured
	}
	if !validKeyPart(id) || !validKeyPart(filename) {
		return nil
	}
	return s.store.Delete(ctx, id+"/"+filename)
}

// SanitizeFilename reduces a client-supplied filename to its base name
// so it cannot escape the storage prefix. Unusable names become "file".
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}

// validKeyPart reports whether a path segment is safe to join into a
// storage key.
func validKeyPart(part string) bool {
	if part == "" || part == "." || part == ".." {
		return false
	}
	return !strings.ContainsAny(part, "/\\")
}

// resolveContentType picks the effective content type: the declared one
// when meaningful, then the filename extension, then a sniff of the
// first bytes. Sniffed bytes are stitched back onto the reader.
func resolveContentType(declared, filename string, r io.Reader) (string, io.Reader) {
	if ct := strings.TrimSpace(declared); ct != "" && ct != "application/octet-stream" {
		return ct, r
	}
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct, r
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(r, head)
	head = head[:n]
	return http.DetectContentType(head), io.MultiReader(bytes.NewReader(head), r)
}

// countingReader tracks how many bytes passed through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
