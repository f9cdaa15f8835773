package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

const (
	// MaxFrameSize bounds a single stream frame.
	MaxFrameSize = 16 << 20

	streamCancelCode quic.StreamErrorCode = 0
)

// streamConn frames messages on a QUIC stream as a little-endian uint32
// length followed by the content.
type streamConn struct {
	stream    quic.Stream
	closeOnce sync.Once
	closeErr  error
}

func NewStreamConn(stream quic.Stream) Conn {
	return &streamConn{stream: stream}
}

func (c *streamConn) ReadMessage(ctx context.Context) ([]byte, error) {
	type result struct {
		msg []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := readFrame(c.stream)
		done <- result{msg, err}
	}()

	select {
	case res := <-done:
		return res.msg, res.err
	case <-ctx.Done():
		c.stream.CancelRead(streamCancelCode)
		return nil, ctx.Err()
	}
}

func (c *streamConn) WriteMessage(ctx context.Context, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- writeFrame(c.stream, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.stream.CancelWrite(streamCancelCode)
		return ctx.Err()
	}
}

// Close finishes the send side and abandons the receive side, which
// unblocks a pending read.
func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close()
		c.stream.CancelRead(streamCancelCode)
	})
	return c.closeErr
}

func writeFrame(w io.Writer, content []byte) error {
	if len(content) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(content))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(content))); err != nil {
		return fmt.Errorf("failed to write message size: %w", err)
	}
	if len(content) == 0 {
		return nil
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("failed to write message content: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read message size: %w", err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("failed to read message content: %w", err)
	}
	return content, nil
}
