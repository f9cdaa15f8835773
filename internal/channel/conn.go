// Package channel adapts full-duplex message connections (websockets, QUIC
// streams) into sessions the multiplexer can receive from and handlers can
// send to.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by sends on a session that is closed or whose
	// peer went away.
	ErrClosed          = errors.New("channel closed")
	ErrMessageTooLarge = errors.New("message too large")
	ErrNoRenderer      = errors.New("session has no renderer")
)

// Conn is one message-framed, full-duplex connection. ReadMessage is only
// called by a single goroutine; WriteMessage calls are serialized by the
// session. Close must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close() error
}
