package pebble

import (
	"github.com/eigerco/cartridge/pkg/db"
)

var (
	ErrClosed          = db.ErrClosed
	ErrNotFound        = db.ErrNotFound
	ErrBatchDone       = db.ErrBatchDone
	ErrIteratorInvalid = db.ErrIteratorInvalid
)

const (
	ErrInIteratorCreation = "kv-store: create iterator: %w"
	ErrIteratorValue      = "kv-store: iterator value: %w"
)
