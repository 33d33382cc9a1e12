//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store on a Cloud Storage bucket. Conditional writes use object
// generation preconditions.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string // Optional key prefix
}

func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	// Uses ADC by default
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, key string, data []byte) (string, error) {
	digest := Digest(data)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{digestMetaKey: digest}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed for %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("%w: %s: %v", ErrPreconditionFailed, key, err)
		}
		return "", fmt.Errorf("gcs close failed for %s: %w", key, err)
	}
	return digest, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return s.write(ctx, s.object(key), key, data)
}

func (s *GCSStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedDigest string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	obj := s.object(key)
	if expectedDigest == "" {
		return s.write(ctx, obj.If(storage.Conditions{DoesNotExist: true}), key, data)
	}

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("%w: %s does not exist", ErrPreconditionFailed, key)
		}
		return "", fmt.Errorf("gcs attrs error for %s: %w", key, err)
	}
	if attrs.Metadata[digestMetaKey] != expectedDigest {
		return "", fmt.Errorf("%w: %s changed", ErrPreconditionFailed, key)
	}
	return s.write(ctx, obj.If(storage.Conditions{GenerationMatch: attrs.Generation}), key, data)
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed for %q: %w", prefix, err)
		}
		keys = append(keys, attrs.Name[len(s.prefix):])
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
