// Package cache defines the durable key/value backend that holds cache
// snapshots across restarts.
package cache

import (
	"context"
	"errors"
	"io"
)

var (
	ErrClosed   = errors.New("backend closed")
	ErrDisabled = errors.New("backend temporarily disabled")
)

type Backend interface {
	// Load returns the blob stored under key.
	// Returns:
	//   blob: stored bytes, owned by the caller
	//   ok: false if nothing is stored under key
	//   err: I/O failure; ok is false
	Load(ctx context.Context, key string) (blob []byte, ok bool, err error)

	// Save replaces the blob stored under key. blob is copied if the
	// backend keeps it in memory.
	Save(ctx context.Context, key string, blob []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	io.Closer
}
