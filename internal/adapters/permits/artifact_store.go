// Package permits adapts the permit lifecycle service to its edges: the HTTP
// API, the blob-backed artifact store, and the register export worker.
package permits

import (
	"bytes"
	"context"
	"io"

	"github.com/cenkalti/backoff/v4"

	"permitcore/internal/blob"
	"permitcore/internal/core"
)

// BlobArtifactStore adapts a blob.Store to the narrow core.ArtifactStore
// surface. Puts are retried with exponential backoff because object stores
// fail transiently; create-only semantics make the retry safe.
type BlobArtifactStore struct {
	store blob.Store
}

// NewBlobArtifactStore wraps a blob store for use by the service.
func NewBlobArtifactStore(store blob.Store) *BlobArtifactStore {
	return &BlobArtifactStore{store: store}
}

var _ core.ArtifactStore = (*BlobArtifactStore)(nil)

func putBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

// Put stores data at key and returns the object URL.
func (s *BlobArtifactStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var url string
	op := func() error {
		info, err := s.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: contentType})
		if err != nil {
			// A create-only conflict from a prior half-failed attempt is ours.
			if existing, headErr := s.store.Head(ctx, key); headErr == nil {
				url = existing.URL
				return nil
			}
			return err
		}
		url = info.URL
		return nil
	}
	if err := backoff.Retry(op, putBackoff(ctx)); err != nil {
		return "", err
	}
	return url, nil
}

// Get returns the full payload stored at key.
func (s *BlobArtifactStore) Get(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Delete removes the object at key. Missing objects are not an error.
func (s *BlobArtifactStore) Delete(ctx context.Context, key string) error {
	_, err := s.store.Delete(ctx, key)
	return err
}
