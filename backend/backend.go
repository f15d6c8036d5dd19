// Package backend provides storage backend abstractions for the archive.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrExists is returned by CreateExclusive when the key already exists.
var ErrExists = errors.New("already exists")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten. A concurrent reader
	// never observes a partially written object.
	Write(ctx context.Context, key string, r io.Reader) error

	// CreateExclusive stores data at the given key only if no object
	// exists there. Returns ErrExists if the key is already present.
	// The losing writer of a race for the same key gets ErrExists; the
	// object becomes visible only once fully written.
	CreateExclusive(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// ModTimeAwareBackend extends Backend with modification-time information.
type ModTimeAwareBackend interface {
	Backend

	// ModTime returns the last modification time of the data at the
	// given key. Returns ErrNotFound if the key does not exist.
	ModTime(ctx context.Context, key string) (time.Time, error)
}
