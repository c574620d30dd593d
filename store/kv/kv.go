// Package kv provides durable single-key storage for the chat engine.
//
// The engine persists small JSON documents (the offline send queue) under
// named keys. Absence of a key is equivalent to an empty value; deleting a
// key must leave no artifact behind.
package kv

import "github.com/pkg/errors"

// ErrKeyNotFound is returned by Get when the key has never been written
// or has been deleted.
var ErrKeyNotFound = errors.New("key not found")

// Driver is the storage backend interface. Implementations must make every
// Set durable before returning: the offline queue relies on each mutation
// surviving a process crash.
type Driver interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Set durably writes value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes the key entirely. Deleting a missing key is a no-op.
	Delete(key string) error

	Close() error
}
