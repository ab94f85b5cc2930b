// Package kvstore provides a device-local, string-keyed, string-valued
// persistent store abstraction with interchangeable backends.
package kvstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when the key has no value in the store.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the contract shared by all key-value backends. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get retrieves the value for a key. A missing key returns ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes or overwrites the value for a key.
	Set(ctx context.Context, key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns every key that starts with the given prefix.
	// An empty prefix returns all keys.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Closer is included for implementations that manage connections or files.
	io.Closer
}
