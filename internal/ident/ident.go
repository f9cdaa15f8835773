// Package ident generates identifiers for handlers: random ones for entities
// and time-ordered ones for keys that must sort by creation.
package ident

import (
	"github.com/google/uuid"
)

// Generator produces string identifiers.
type Generator interface {
	// Random returns a version 4 UUID.
	Random() (string, error)
	// Ordered returns a version 7 UUID. Later calls sort after earlier ones.
	Ordered() (string, error)
}

// UUID is the Generator backed by google/uuid.
type UUID struct{}

var _ Generator = UUID{}

func (UUID) Random() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (UUID) Ordered() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
