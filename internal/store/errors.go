package store

import "errors"

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store is closed")
	// ErrStorageIO wraps failures of the storage medium. A failed commit
	// leaves no partial state behind.
	ErrStorageIO = errors.New("storage i/o failure")
	// ErrTxDone is returned when a transaction is used after its function
	// returned.
	ErrTxDone = errors.New("transaction already finished")

	ErrInvalidLimit = errors.New("retention limit must not be negative")
)
