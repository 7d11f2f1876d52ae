package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsWriteTimeout = 2 * time.Minute

// GCSStore keeps artifacts as objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// GCSConfig selects the bucket and an optional object name prefix.
type GCSConfig struct {
	Bucket  string
	Prefix  string
	Options []option.ClientOption
}

// NewGCSStore dials Cloud Storage with application default credentials unless options say otherwise.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("storage: gcs bucket required")
	}
	opts := append([]option.ClientOption{option.WithScopes(gcs.ScopeReadWrite)}, cfg.Options...)
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(key string) (*gcs.ObjectHandle, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	name := cleaned
	if s.prefix != "" {
		name = path.Join(s.prefix, cleaned)
	}
	return s.client.Bucket(s.bucket).Object(name), nil
}

func (s *GCSStore) Put(ctx context.Context, key string, body io.Reader) error {
	object, err := s.object(key)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, gcsWriteTimeout)
	defer cancel()

	writer := object.NewWriter(writeCtx)
	if strings.HasSuffix(strings.ToLower(key), ".pdf") {
		writer.ContentType = "application/pdf"
	}
	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage: write %s to gcs: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("storage: close gcs writer for %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.object(key)
	if err != nil {
		return nil, err
	}
	reader, err := object.NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s in gcs: %w", key, err)
	}
	return reader, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	object, err := s.object(key)
	if err != nil {
		return err
	}
	err = object.Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	object, err := s.object(key)
	if err != nil {
		return false, err
	}
	_, err = object.Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
