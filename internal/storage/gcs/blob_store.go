// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/webshot/internal/shot"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "shots/".
	Prefix string
	// GoogleAccessID and SignBytes override the signer for SignURL; when
	// empty the client's credentials are used.
	GoogleAccessID string
	SignBytes      func([]byte) ([]byte, error)
}

// BlobStore reads and writes screenshots in a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
	cfg    Config
	now    func() time.Time
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// Exists reports whether key has been written.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	name, err := s.objectName(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", name, err)
	}
}

// Get opens the object for reading.
func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", shot.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	return r, nil
}

// Put uploads data only if the object does not exist yet. Objects are
// immutable once written, so losing the precondition race is a success.
func (s *BlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(name).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	writer.CacheControl = "public, max-age=86400"

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// SignURL returns a V4 signed GET URL valid for ttl.
func (s *BlobStore) SignURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	name, err := s.objectName(key)
	if err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: s.now().Add(ttl),
	}
	if s.cfg.GoogleAccessID != "" {
		opts.GoogleAccessID = s.cfg.GoogleAccessID
	}
	if s.cfg.SignBytes != nil {
		opts.SignBytes = s.cfg.SignBytes
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(name, opts)
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", name, err)
	}
	return u, nil
}

func (s *BlobStore) objectName(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	return s.prefix + key, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
