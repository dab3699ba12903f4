// Package storage defines the blob store contract used for fetch cache
// snapshots. Implementations live in the local, gcs and memory sub-packages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when path holds no object.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore reads and writes opaque objects by path.
type BlobStore interface {
	// PutObject stores the content of r at path and returns a URI for it.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject returns the content stored at path, or ErrObjectNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
