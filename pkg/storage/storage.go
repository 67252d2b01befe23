// Package storage abstracts the object store that holds raw landing copies
// and published gold artifacts. The S3 implementation speaks to AWS S3 and
// S3-compatible servers (MinIO); the in-memory implementation backs tests.
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object. Metadata keys are lowercase.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions carries the attributes attached to an uploaded object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is the object-storage surface the pipeline needs. Get and
// Head return a NotFound-typed error for absent keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Copy duplicates an object within the store, metadata included. The
	// destination becomes visible atomically.
	Copy(ctx context.Context, srcKey, dstKey string) error

	Delete(ctx context.Context, key string) error
}

// Cache is the optional serving-cache capability offered the freshly
// published tables. Implementations are external; failures never affect a
// publish.
type Cache interface {
	Set(ctx context.Context, table string, payload []byte, traceID string) error
}

// NopCache discards everything.
type NopCache struct{}

func (NopCache) Set(context.Context, string, []byte, string) error { return nil }
