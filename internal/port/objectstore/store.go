// Package objectstore defines the blob storage port (interface).
package objectstore

import "context"

// Store is the port interface for the artifact bucket. Keys are opaque
// strings; writes are idempotent by key replacement.
type Store interface {
	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object stored under key, or domain.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}
