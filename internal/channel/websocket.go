package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	closeGracePeriod    = time.Second
)

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(ws *websocket.Conn, readLimit int64, writeTimeout time.Duration) Conn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws.SetReadLimit(readLimit)
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				return nil, fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a normal closure frame and drops the connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// UpgradeOptions configure the websocket handshake and the resulting session.
type UpgradeOptions struct {
	// ReadLimit bounds inbound message size in bytes.
	ReadLimit    int64
	WriteTimeout time.Duration
	// CheckOrigin defaults to gorilla's same-origin check.
	CheckOrigin func(r *http.Request) bool
	Session     []Option
}

// Upgrade performs the websocket handshake on an HTTP request and starts a
// session on the connection. On failure an HTTP error has already been
// written to w.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgradeOptions) (*Session, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.CheckOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	conn := NewWebsocketConn(ws, opts.ReadLimit, opts.WriteTimeout)
	return NewSession(conn, opts.Session...), nil
}

// AllowOrigins returns a CheckOrigin func accepting handshakes whose Origin
// header is one of origins, or any origin when origins contains "*".
// Requests without an Origin header come from non-browser clients and are
// accepted. An empty list returns nil, which keeps the same-origin check.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
