// Package blob provides byte-addressable staging storage for downloaded
// feed archives and extracted tables. Keys are partitioned per workflow
// run so concurrent imports never collide.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("blob: key not found")

// Store is byte-addressable object storage with range reads.
type Store interface {
	// Put writes the full object under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// GetRange reads length bytes starting at offset. A length of -1 reads
	// to the end of the object. Reads past the end return the available
	// bytes without error.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Head returns the size of the object in bytes.
	Head(ctx context.Context, key string) (int64, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
