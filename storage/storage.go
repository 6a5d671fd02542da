package storage

import (
	"context"
	"errors"

	"github.com/ipld/go-ipld-prime/storage"
)

var ErrNotFound = errors.New("key not found")

// Storage is a key value store. It can back an ipld link system.
type Storage interface {
	storage.ReadableStorage
	storage.WritableStorage
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns the sorted keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases the resources of the store.
	Close() error
}
