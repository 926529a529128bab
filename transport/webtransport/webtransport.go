// Package webtransport implements the C1 Datagram Transport API (spec.md
// §4.1) on top of github.com/quic-go/webtransport-go. This is
// "LiteTransportB" in spec.md §6's configuration surface: an alternative to
// transport/quic that tunnels the same framing over a WebTransport session
// (HTTP/3 CONNECT upgrade), which is useful when the embedder's server is
// already fronted by an HTTP/3-capable load balancer or browser client.
//
// The Session contract is identical to transport/quic: Reliable and
// ReliableOrdered frames use one length-prefixed bidirectional stream;
// Unreliable frames use WebTransport's unreliable datagrams.
package webtransport

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"

	"github.com/quic-go/quic-go/http3"
	wt "github.com/quic-go/webtransport-go"

	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

// Transport implements transport.Transport using WebTransport over HTTP/3.
type Transport struct {
	tlsConfig *tls.Config
	path      string
	checkOrig func(*http.Request) bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithTLSConfig sets the TLS configuration; HTTP/3 requires TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) { t.tlsConfig = cfg }
}

// WithPath sets the HTTP path WebTransport sessions are upgraded on
// (default "/granville-rpc").
func WithPath(p string) Option {
	return func(t *Transport) { t.path = p }
}

// New creates a WebTransport-backed transport.
func New(opts ...Option) *Transport {
	t := &Transport{path: "/granville-rpc"}
	for _, o := range opts {
		o(t)
	}
	if t.checkOrig == nil {
		t.checkOrig = func(*http.Request) bool { return true }
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

// Listen implements transport.Transport. It starts an HTTP/3 server that
// upgrades requests on the configured path to WebTransport sessions.
func (t *Transport) Listen(ctx gstdctx.Context, localEndpoint string, handler transport.EventHandler) (transport.Listener, error) {
	server := &wt.Server{
		H3: http3.Server{
			Addr:      localEndpoint,
			TLSConfig: t.tlsConfig,
		},
		CheckOrigin: t.checkOrig,
	}

	l := &listener{
		server:  server,
		addr:    localEndpoint,
		handler: handler,
		accept:  make(chan transport.Session, 16),
		closed:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := server.Upgrade(w, r)
		if err != nil {
			if handler != nil {
				handler.OnError(nil, transport.ConnectFailedRejected, err)
			}
			return
		}
		s, err := acceptSession(ctx, sess, handler, false)
		if err != nil {
			return
		}
		select {
		case l.accept <- s:
		case <-l.closed:
			s.Close()
		}
	})
	server.H3.Handler = mux

	pool := gstdctx.Pool(ctx)
	pool.Submit(ctx, func() {
		_ = server.ListenAndServeTLS("", "")
	})

	return l, nil
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx gstdctx.Context, remoteEndpoint string, handler transport.EventHandler) (transport.Session, error) {
	dialer := &wt.Dialer{
		TLSClientConfig: t.tlsConfig,
	}
	_, sess, err := dialer.Dial(ctx, remoteEndpoint, nil)
	if err != nil {
		return nil, &transport.ConnectFailedError{Kind: transport.ConnectFailedNetworkError, Err: err}
	}
	return acceptSession(ctx, sess, handler, true)
}

// acceptSession wraps sess as a transport.Session. The dialing side opens the
// session's bidirectional stream and the listening side accepts it, so both
// ends share one stream.
func acceptSession(ctx gstdctx.Context, sess *wt.Session, handler transport.EventHandler, dialer bool) (*session, error) {
	var stream wt.Stream
	var err error
	if dialer {
		stream, err = sess.OpenStreamSync(ctx)
	} else {
		stream, err = sess.AcceptStream(ctx)
	}
	if err != nil {
		sess.CloseWithError(0, "open stream failed")
		return nil, err
	}
	s := newSession(sess, stream, handler)
	s.runReceiveLoops(ctx)
	if handler != nil {
		handler.OnSessionOpened(s)
	}
	return s, nil
}

type listener struct {
	server  *wt.Server
	addr    string
	handler transport.EventHandler
	accept  chan transport.Session
	closed  chan struct{}
}

func (l *listener) Accept(ctx gstdctx.Context) (transport.Session, error) {
	select {
	case s := <-l.accept:
		return s, nil
	case <-l.closed:
		return nil, fmt.Errorf("webtransport: listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return l.server.Close()
}

func (l *listener) Addr() net.Addr {
	return addrString(l.addr)
}

type addrString string

func (a addrString) Network() string { return "udp" }
func (a addrString) String() string  { return string(a) }

type session struct {
	sess   *wt.Session
	stream wt.Stream

	writeMu sync.Mutex
	handler transport.EventHandler
	closed  chan struct{}
}

func newSession(sess *wt.Session, stream wt.Stream, handler transport.EventHandler) *session {
	return &session{sess: sess, stream: stream, handler: handler, closed: make(chan struct{})}
}

var _ transport.Session = (*session)(nil)

func (s *session) Send(ctx gstdctx.Context, payload []byte, mode wire.DeliveryMode) error {
	switch mode {
	case wire.Unreliable:
		if len(payload) > s.MaxDatagramSize() {
			return fmt.Errorf("webtransport: datagram payload %d exceeds max %d", len(payload), s.MaxDatagramSize())
		}
		return s.sess.SendDatagram(payload)
	default:
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
		if _, err := s.stream.Write(lenPrefix[:]); err != nil {
			return err
		}
		_, err := s.stream.Write(payload)
		return err
	}
}

func (s *session) LocalAddr() net.Addr  { return s.sess.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.sess.RemoteAddr() }

func (s *session) MaxDatagramSize() int {
	return transport.MaxDatagramSize
}

func (s *session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	err := s.sess.CloseWithError(0, "closed")
	if s.handler != nil {
		s.handler.OnSessionClosed(s, transport.CloseReason{Code: wire.CloseNormal, Message: "closed"})
	}
	return err
}

func (s *session) runReceiveLoops(ctx gstdctx.Context) {
	pool := gstdctx.Pool(ctx)
	pool.Submit(ctx, func() { s.readStreamLoop(ctx) })
	pool.Submit(ctx, func() { s.readDatagramLoop(ctx) })
}

func (s *session) readStreamLoop(ctx gstdctx.Context) {
	var lenPrefix [4]byte
	for {
		if _, err := io.ReadFull(s.stream, lenPrefix[:]); err != nil {
			s.fail(err)
			return
		}
		n := binary.LittleEndian.Uint32(lenPrefix[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.stream, buf); err != nil {
			s.fail(err)
			return
		}
		if s.handler != nil {
			s.handler.OnDataReceived(s, buf, wire.ReliableOrdered)
		}
	}
}

func (s *session) readDatagramLoop(ctx gstdctx.Context) {
	for {
		buf, err := s.sess.ReceiveDatagram(ctx)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.fail(err)
			return
		}
		if s.handler != nil {
			s.handler.OnDataReceived(s, buf, wire.Unreliable)
		}
	}
}

func (s *session) fail(err error) {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	if s.handler != nil {
		s.handler.OnSessionClosed(s, transport.CloseReason{Code: wire.CloseError, Message: "transport error", Err: err})
	}
}
