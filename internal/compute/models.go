package compute

import (
	"context"
	"fmt"
	"log/slog"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// model directories
	_ "gocloud.dev/blob/memblob"  // mem:// for tests and dry runs
	"gocloud.dev/gcerrors"

	"metrofleet/internal/operations"
)

// ModelStore reads and writes model artifacts in a blob bucket
type ModelStore struct {
	bucket *blob.Bucket
	url    string
	logger *slog.Logger
}

// OpenModelStore opens the bucket at url, e.g. file:///app/data/models or mem://
func OpenModelStore(ctx context.Context, url string, logger *slog.Logger) (*ModelStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open model bucket %s: %w", url, err)
	}
	return NewModelStore(bucket, url, logger), nil
}

// NewModelStore wraps an already opened bucket
func NewModelStore(bucket *blob.Bucket, url string, logger *slog.Logger) *ModelStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelStore{
		bucket: bucket,
		url:    url,
		logger: logger.With(slog.String("component", "model_store")),
	}
}

// Load returns the artifact stored under key. A missing artifact is a
// ModelUnavailable error.
func (s *ModelStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, operations.NewModelUnavailableError(key, err)
		}
		return nil, fmt.Errorf("read model %s: %w", key, err)
	}
	s.logger.DebugContext(ctx, "model loaded", slog.String("key", key), slog.Int("bytes", len(data)))
	return data, nil
}

// Save writes data under key, replacing any previous artifact
func (s *ModelStore) Save(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write model %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	s.logger.InfoContext(ctx, "model saved", slog.String("key", key), slog.Int("bytes", len(data)))
	return nil
}

// Exists reports whether an artifact is stored under key
func (s *ModelStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// URL returns the bucket URL the store was opened with
func (s *ModelStore) URL() string {
	return s.url
}

// Close releases the bucket
func (s *ModelStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
