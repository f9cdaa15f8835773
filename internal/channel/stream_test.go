package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCanceled = errors.New("stream canceled")

// mockStream is one end of an in-memory quic.Stream pair.
type mockStream struct {
	r *io.PipeReader
	w *io.PipeWriter

	CloseCalled  bool
	CanceledRead bool
}

func newStreamPair() (*mockStream, *mockStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &mockStream{r: r1, w: w2}, &mockStream{r: r2, w: w1}
}

func (ms *mockStream) StreamID() quic.StreamID      { return 1 }
func (ms *mockStream) Read(p []byte) (int, error)   { return ms.r.Read(p) }
func (ms *mockStream) Write(p []byte) (int, error)  { return ms.w.Write(p) }
func (ms *mockStream) Context() context.Context     { return context.Background() }
func (ms *mockStream) SetDeadline(time.Time) error  { return nil }
func (ms *mockStream) SetReadDeadline(time.Time) error {
	return nil
}
func (ms *mockStream) SetWriteDeadline(time.Time) error {
	return nil
}

func (ms *mockStream) Close() error {
	ms.CloseCalled = true
	return ms.w.Close()
}

func (ms *mockStream) CancelRead(quic.StreamErrorCode) {
	ms.CanceledRead = true
	_ = ms.r.CloseWithError(errCanceled)
}

func (ms *mockStream) CancelWrite(quic.StreamErrorCode) {
	_ = ms.w.CloseWithError(errCanceled)
}

var _ quic.Stream = (*mockStream)(nil)

func receive(t *testing.T, s *Session) string {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	msg, ok := s.TryReceive()
	require.True(t, ok)
	return string(msg)
}

func TestStreamSessions(t *testing.T) {
	left, right := newStreamPair()
	a := NewSession(NewStreamConn(left))
	b := NewSession(NewStreamConn(right))
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("ping")))
	require.NoError(t, a.Send(ctx, nil))
	assert.Equal(t, "ping", receive(t, b))
	assert.Equal(t, "", receive(t, b))

	require.NoError(t, b.SendJSON(ctx, []int{1, 2}))
	assert.Equal(t, "[1,2]", receive(t, a))

	require.NoError(t, a.Close())
	assert.True(t, left.CloseCalled)
	assert.True(t, left.CanceledRead)
	assert.ErrorIs(t, a.Send(ctx, []byte("x")), ErrClosed)
	assert.NoError(t, a.Err())

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not observed")
	}
	assert.ErrorIs(t, b.Err(), io.EOF)
	assert.ErrorIs(t, b.SendRendered(ctx, "x", nil), ErrNoRenderer)
}

func TestStreamReadCancel(t *testing.T) {
	left, _ := newStreamPair()
	conn := NewStreamConn(left)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := conn.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, left.CanceledRead)
}

func TestFrames(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeFrame(buf, []byte("hello")))
	assert.Equal(t, []byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, buf.Bytes())

	msg, err := readFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(MaxFrameSize+1)))
	_, err = readFrame(buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	buf.Reset()
	buf.Write([]byte{10, 0, 0, 0, 'a'})
	_, err = readFrame(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.ErrorIs(t, writeFrame(io.Discard, make([]byte, MaxFrameSize+1)), ErrMessageTooLarge)
}
