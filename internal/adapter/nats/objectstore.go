package nats

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaydev/agentrun/internal/domain"
)

// ObjectStore implements objectstore.Store using a JetStream object store
// bucket. Writes replace by key, matching the artifact bucket contract.
type ObjectStore struct {
	bucket jetstream.ObjectStore
}

// NewObjectStore ensures the bucket exists and returns a store backed by it.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectStore, error) {
	os, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "agentrun run artifacts",
	})
	if err != nil {
		return nil, fmt.Errorf("object store %s: %w", bucket, err)
	}
	return &ObjectStore{bucket: os}, nil
}

// Put stores data under key, replacing any existing object.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	meta := jetstream.ObjectMeta{
		Name: key,
		Metadata: map[string]string{
			"content-type": contentType,
		},
	}
	if _, err := s.bucket.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("object put %s: %w", key, err)
	}
	return nil
}

// Get returns the object stored under key.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("object get %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("object get %s: %w", key, err)
	}
	return data, nil
}
