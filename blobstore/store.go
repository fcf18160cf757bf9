// Package blobstore abstracts where snapshot blobs live.
//
// An Engine's persistent artifacts (table snapshots, remapping snapshots and
// the manifest tying them together) are immutable blobs addressed by name.
// Implementations cover local disk, process memory and object storage; the
// engine never cares which.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store reads and writes named immutable blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open returns a reader over the named blob, or ErrNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Put writes the named blob. An existing blob of the same name is
	// replaced as a whole; readers never observe partial writes.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes the named blob. Deleting a missing blob is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns the names of blobs starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
