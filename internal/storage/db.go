// Package storage provides database abstractions.
package storage

import "errors"

// ErrNotFound is returned by Get when key does not exist, so callers can
// distinguish "absent" from a genuine storage failure.
var ErrNotFound = errors.New("storage: key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value slice is not
	// copied.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates writes for atomic application. CoinStore.NewBlock uses a
// batch so a block's coin-set writes commit as one unit. The Blockchain
// engine's add_block does not share one batch across stores: its header,
// coin-set, and height-index writes are separate commits.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by a DB that can produce atomic Batch instances.
type Batcher interface {
	NewBatch() Batch
}
