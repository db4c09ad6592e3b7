// Package objstore provides the bucket operations the sync core needs:
// list, get, put, head and delete. Directory markers are zero-byte
// objects whose key ends in "/".
package objstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Head when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Object is the per-object metadata reported by the store. LastModified
// is the zero time when the store did not report one.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// GetResult carries an object body. Callers must close Body.
type GetResult struct {
	Body         io.ReadCloser
	Size         int64
	LastModified time.Time
}

//go:generate mockgen -source=objstore.go -destination=mock_store.go -package=objstore

// Store is the object storage collaborator.
type Store interface {
	// List returns every object whose key starts with prefix. An empty
	// prefix lists the whole bucket.
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) (*GetResult, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Head(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
}
