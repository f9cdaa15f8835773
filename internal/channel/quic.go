package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/eigerco/cartridge/pkg/log"
)

const (
	// ALPN is the application protocol negotiated on QUIC connections.
	ALPN = "cartridge/1"

	// MaxIdleTimeout closes QUIC connections without traffic.
	MaxIdleTimeout = 5 * time.Minute

	connCloseCode quic.ApplicationErrorCode = 0
)

// StreamHandler serves one session opened on an inbound QUIC stream. The
// session is closed when the handler returns.
type StreamHandler func(ctx context.Context, session *Session)

// QUICListener accepts QUIC connections and turns every stream a peer opens
// into a session.
type QUICListener struct {
	listener *quic.Listener
	session  []Option

	mu    sync.Mutex
	conns map[quic.Connection]struct{}
	wg    sync.WaitGroup
}

// ListenQUIC binds addr. Without certificates in tlsConf a self-signed one
// is generated. opts apply to every session.
func ListenQUIC(addr string, tlsConf *tls.Config, opts ...Option) (*QUICListener, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.Certificates) == 0 {
		cert, err := SelfSignedCert(365 * 24 * time.Hour)
		if err != nil {
			return nil, err
		}
		tlsConf.Certificates = []tls.Certificate{*cert}
	}
	tlsConf.NextProtos = []string{ALPN}
	tlsConf.MinVersion = tls.VersionTLS13

	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{MaxIdleTimeout: MaxIdleTimeout})
	if err != nil {
		return nil, fmt.Errorf("listen quic on %s: %w", addr, err)
	}
	return &QUICListener{
		listener: ln,
		session:  opts,
		conns:    make(map[quic.Connection]struct{}),
	}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done, then closes the listener
// and every connection and waits for running handlers.
func (l *QUICListener) Serve(ctx context.Context, handler StreamHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.closeAll()
		l.wg.Wait()
	}()

	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept quic connection: %w", err)
		}
		l.track(conn)
		l.wg.Add(1)
		go l.serveConn(ctx, conn, handler)
	}
}

func (l *QUICListener) track(conn quic.Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[conn] = struct{}{}
}

func (l *QUICListener) untrack(conn quic.Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *QUICListener) closeAll() {
	if err := l.listener.Close(); err != nil {
		log.Channel.Debug().Err(err).Msg("close quic listener")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		_ = conn.CloseWithError(connCloseCode, "server shutting down")
	}
}

func (l *QUICListener) serveConn(ctx context.Context, conn quic.Connection, handler StreamHandler) {
	defer l.wg.Done()
	defer l.untrack(conn)
	logger := log.Channel.With().Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("quic connection accepted")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("quic connection finished")
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			session := NewSession(NewStreamConn(stream), l.session...)
			defer session.Close() //nolint:errcheck
			handler(conn.Context(), session)
		}()
	}
}

// DialQUIC opens a connection to addr and a session on a new stream of it.
// Closing the session leaves the connection open; callers close it.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, opts ...Option) (quic.Connection, *Session, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	tlsConf.MinVersion = tls.VersionTLS13

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: MaxIdleTimeout})
	if err != nil {
		return nil, nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(connCloseCode, "open stream failed")
		return nil, nil, fmt.Errorf("open quic stream: %w", err)
	}
	return conn, NewSession(NewStreamConn(stream), opts...), nil
}

// SelfSignedCert creates an Ed25519 certificate valid for validity, usable
// for both ends of a connection.
func SelfSignedCert(validity time.Duration) (*tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: "cartridge"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		SignatureAlgorithm:    x509.PureEd25519,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
