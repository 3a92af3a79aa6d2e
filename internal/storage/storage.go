// Package storage defines the blob storage abstraction shared by the
// checkpoint, the page archive and the delivered-link ledger. Backends live
// in the local, gcs, postgres and memory subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at path.
var ErrNotFound = errors.New("object not found")

// BlobStore stores opaque objects by path. PutObject replaces any previous
// object at the same path so that readers never observe a partial write.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}
