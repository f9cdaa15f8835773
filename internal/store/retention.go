package store

import (
	"go.uber.org/multierr"

	"github.com/eigerco/cartridge/internal/keys"
)

// TrimToSize deletes the oldest keys under prefix until at most max remain
// and returns how many were removed. Keys are oldest-first in key order, so
// it is meant for families keyed by time-ordered ids.
func TrimToSize(tx *WriteTx, prefix keys.Key, max int) (int, error) {
	if max < 0 {
		return 0, ErrInvalidLimit
	}
	size, err := tx.Size(prefix)
	if err != nil {
		return 0, err
	}
	excess := size - max
	if excess <= 0 {
		return 0, nil
	}

	it, err := tx.Iterator(prefix)
	if err != nil {
		return 0, err
	}
	doomed := make([]keys.Key, 0, excess)
	for ; !it.Done() && len(doomed) < excess; it.Next() {
		doomed = append(doomed, it.Key())
	}
	if err := multierr.Append(it.Err(), it.Close()); err != nil {
		return 0, err
	}

	for _, k := range doomed {
		if err := tx.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}
