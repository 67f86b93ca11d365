// Package blobstore persists rendered tile PNGs at the path layout
// keyspace.BlobPath derives (§3, §5). It is the durable tier beneath
// LocalCache: a miss here after a LocalCache miss means the tile must be
// rendered from a mosaic.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when path has no object.
var ErrNotFound = errors.New("blobstore: object not found")

// BlobStore is the durable tile-object interface the tile engine and the
// admin cache-clear endpoint are built against.
type BlobStore interface {
	// Put uploads data at path with the given content type.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Get downloads the object at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether an object is present at path without
	// downloading its body.
	Exists(ctx context.Context, path string) (bool, error)

	// DeletePrefix removes every object whose path starts with prefix,
	// returning the count removed. Used by admin cache invalidation
	// (§4.11) against the prefixes keyspace.InvalidationPrefixes yields.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Degraded reports whether this store is operating without its
	// durable backing (e.g. S3 unreachable), per §9's degrade-open rule:
	// a degraded BlobStore must still serve LocalCache-resident tiles
	// and must never disable coalescing upstream of it.
	Degraded() bool
}
