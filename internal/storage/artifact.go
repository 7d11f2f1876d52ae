// Package storage keeps document artifacts (full volumes and generated previews)
// addressed by slash-separated keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrArtifactNotFound indicates no artifact is stored under the key.
	ErrArtifactNotFound = errors.New("storage: artifact not found")
	// ErrInvalidKey indicates a key that is empty or escapes the store root.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrArtifactTooLarge indicates an artifact exceeded the caller's byte ceiling.
	ErrArtifactTooLarge = errors.New("storage: artifact too large")
)

// ArtifactStore persists and retrieves artifacts.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ReadAll loads an artifact fully, refusing artifacts larger than maxBytes (0 disables the ceiling).
func ReadAll(ctx context.Context, store ArtifactStore, key string, maxBytes int64) ([]byte, error) {
	reader, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	source := io.Reader(reader)
	if maxBytes > 0 {
		source = io.LimitReader(reader, maxBytes+1)
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrArtifactTooLarge, key, maxBytes)
	}
	return data, nil
}

// CleanKey validates a key and returns its canonical form.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	trimmed = strings.TrimLeft(trimmed, "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
