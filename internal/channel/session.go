package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/eigerco/cartridge/internal/mailbox"
	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/pkg/log"
)

// Renderer produces markup for SendRendered.
type Renderer interface {
	Render(name string, data any) (string, error)
}

type Option func(*Session)

func WithRenderer(r Renderer) Option {
	return func(s *Session) {
		s.renderer = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Session owns a Conn for the duration of one request. A background pump
// queues inbound messages until the peer goes away or Close is called.
type Session struct {
	conn     Conn
	inbox    *mailbox.Mailbox[[]byte]
	renderer Renderer
	metrics  *metrics.Metrics

	writeMu sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewSession takes ownership of conn and starts receiving from it.
func NewSession(conn Conn, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		inbox:  mailbox.New[[]byte](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.receive(ctx)
	return s
}

func (s *Session) receive(ctx context.Context) {
	for {
		msg, err := s.conn.ReadMessage(ctx)
		if err != nil {
			s.shutdown(err)
			return
		}
		s.metrics.MessageReceived()
		if !s.inbox.Put(msg) {
			return
		}
	}
}

// Ready fires when TryReceive may return a message.
func (s *Session) Ready() <-chan struct{} {
	return s.inbox.Ready()
}

// TryReceive pops the oldest inbound message without blocking.
func (s *Session) TryReceive() ([]byte, bool) {
	return s.inbox.TryPop()
}

// Done is closed once the session is closed or the peer disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, nil while it is open or after a local
// Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send writes payload as one message.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(ctx, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.shutdown(err)
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	s.metrics.MessageSent()
	return nil
}

// SendJSON marshals v and sends it.
func (s *Session) SendJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.Send(ctx, payload)
}

// SendRendered renders the named template with data and sends the result.
func (s *Session) SendRendered(ctx context.Context, name string, data any) error {
	if s.renderer == nil {
		return ErrNoRenderer
	}
	out, err := s.renderer.Render(name, data)
	if err != nil {
		return fmt.Errorf("render %q: %w", name, err)
	}
	return s.Send(ctx, []byte(out))
}

// Close ends the session and closes the connection. Queued inbound messages
// are dropped.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.finish(nil)
		err = s.conn.Close()
	})
	return err
}

// shutdown ends the session after a connection failure.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		if errors.Is(cause, io.EOF) || isNormalClose(cause) {
			log.Channel.Debug().Msg("peer closed the channel")
		} else {
			log.Channel.Warn().Err(cause).Msg("channel failed")
		}
		s.finish(cause)
		_ = s.conn.Close()
	})
}

func (s *Session) finish(cause error) {
	s.errMu.Lock()
	s.err = cause
	s.errMu.Unlock()

	s.cancel()
	s.inbox.Close()
	close(s.done)
}
