// Package loopback implements the C1 Datagram Transport API (spec.md §4.1)
// entirely in-process, for this repository's own tests. It has no
// counterpart dependency the way transport/quic and transport/webtransport
// do — it is grounded on the teacher's rpc/transport/tcp package's
// Listen/Accept/Dial shape (net.Pipe in place of a real socket) rather than
// on any third-party library, since an in-process test double has no
// business importing a real wire-level transport.
//
// Reliable and ReliableOrdered frames travel over a net.Pipe connection with
// the same length-prefix framing transport/quic and transport/webtransport
// use, so wire-level tests exercise identical bytes regardless of the
// transport under test. Unreliable frames travel over a bounded channel that
// drops the newest datagram when full, which is the one place loopback
// diverges from a real transport's queuing behavior but preserves the
// "Unreliable may silently drop" contract spec.md §4.1 requires.
package loopback

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

// Registry is a process-local address space: Listen registers an address,
// Connect dials it. A zero-value Registry is ready to use; tests typically
// create one Registry per simulated network.
type Registry struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

// NewRegistry creates an empty loopback address space.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]*listener)}
}

// Transport implements transport.Transport against one Registry.
type Transport struct {
	reg          *Registry
	unreliableCap int
}

// Option configures a Transport.
type Option func(*Transport)

// WithUnreliableBuffer sets the per-session unreliable datagram queue depth
// (default 64); sends beyond this depth are dropped, not blocked.
func WithUnreliableBuffer(n int) Option {
	return func(t *Transport) { t.unreliableCap = n }
}

// New creates a loopback transport bound to reg.
func New(reg *Registry, opts ...Option) *Transport {
	t := &Transport{reg: reg, unreliableCap: 64}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

type pendingAccept struct {
	conn     net.Conn
	inbound  chan []byte // datagrams the accepted session should deliver
	outbound chan []byte // datagrams the accepted session sends to the dialer
}

type listener struct {
	addr    addrString
	handler transport.EventHandler
	accept  chan pendingAccept
	closed  chan struct{}
	t       *Transport
}

// Listen implements transport.Transport.
func (t *Transport) Listen(ctx gstdctx.Context, localEndpoint string, handler transport.EventHandler) (transport.Listener, error) {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	if t.reg.listeners == nil {
		t.reg.listeners = make(map[string]*listener)
	}
	if _, exists := t.reg.listeners[localEndpoint]; exists {
		return nil, fmt.Errorf("loopback: address %q already in use", localEndpoint)
	}
	l := &listener{
		addr:    addrString(localEndpoint),
		handler: handler,
		accept:  make(chan pendingAccept, 16),
		closed:  make(chan struct{}),
		t:       t,
	}
	t.reg.listeners[localEndpoint] = l
	return l, nil
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx gstdctx.Context, remoteEndpoint string, handler transport.EventHandler) (transport.Session, error) {
	t.reg.mu.Lock()
	l, ok := t.reg.listeners[remoteEndpoint]
	t.reg.mu.Unlock()
	if !ok {
		return nil, &transport.ConnectFailedError{Kind: transport.ConnectFailedRejected, Err: fmt.Errorf("loopback: no listener at %q", remoteEndpoint)}
	}

	clientConn, serverConn := net.Pipe()
	toServer := make(chan []byte, t.unreliableCap)
	toClient := make(chan []byte, t.unreliableCap)
	select {
	case l.accept <- pendingAccept{conn: serverConn, inbound: toServer, outbound: toClient}:
	case <-l.closed:
		clientConn.Close()
		serverConn.Close()
		return nil, &transport.ConnectFailedError{Kind: transport.ConnectFailedRejected, Err: fmt.Errorf("loopback: listener %q closed", remoteEndpoint)}
	}

	s := newSession(clientConn, addrString(remoteEndpoint), handler, toServer, toClient)
	s.runReceiveLoop(ctx)
	if handler != nil {
		handler.OnSessionOpened(s)
	}
	return s, nil
}

func (l *listener) Accept(ctx gstdctx.Context) (transport.Session, error) {
	select {
	case pa := <-l.accept:
		s := newSession(pa.conn, l.addr, l.handler, pa.outbound, pa.inbound)
		s.runReceiveLoop(ctx)
		if l.handler != nil {
			l.handler.OnSessionOpened(s)
		}
		return s, nil
	case <-l.closed:
		return nil, fmt.Errorf("loopback: listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}
	l.t.reg.mu.Lock()
	defer l.t.reg.mu.Unlock()
	if l.t.reg.listeners[string(l.addr)] == l {
		delete(l.t.reg.listeners, string(l.addr))
	}
	return nil
}

func (l *listener) Addr() net.Addr { return l.addr }

type addrString string

func (a addrString) Network() string { return "loopback" }
func (a addrString) String() string  { return string(a) }

// session implements transport.Session over a net.Pipe conn for reliable
// traffic and a pair of in-memory bounded channels for unreliable datagrams.
//
// Unlike transport/quic and transport/webtransport, there is no real peer
// process to route unreliable datagrams through — Connect wires the dialed
// and accepted session's channels to each other directly, so a Send with
// wire.Unreliable on one side is simply handed to the other side's recv
// channel in-process.
type session struct {
	conn net.Conn
	addr addrString

	writeMu sync.Mutex
	handler transport.EventHandler
	closed  chan struct{}

	unreliableSend chan []byte // delivers to the peer
	unreliableRecv chan []byte // this session's inbound queue
}

func newSession(conn net.Conn, addr addrString, handler transport.EventHandler, send, recv chan []byte) *session {
	return &session{
		conn:           conn,
		addr:           addr,
		handler:        handler,
		closed:         make(chan struct{}),
		unreliableSend: send,
		unreliableRecv: recv,
	}
}

var _ transport.Session = (*session)(nil)

func (s *session) Send(ctx gstdctx.Context, payload []byte, mode wire.DeliveryMode) error {
	switch mode {
	case wire.Unreliable:
		buf := append([]byte(nil), payload...)
		select {
		case s.unreliableSend <- buf:
		default:
			// queue full: drop, matching "Unreliable may silently drop".
		}
		return nil
	default:
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
		if _, err := s.conn.Write(lenPrefix[:]); err != nil {
			return err
		}
		_, err := s.conn.Write(payload)
		return err
	}
}

func (s *session) LocalAddr() net.Addr  { return s.addr }
func (s *session) RemoteAddr() net.Addr { return s.addr }

func (s *session) MaxDatagramSize() int { return transport.MaxDatagramSize }

func (s *session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	err := s.conn.Close()
	if s.handler != nil {
		s.handler.OnSessionClosed(s, transport.CloseReason{Code: wire.CloseNormal, Message: "closed"})
	}
	return err
}

func (s *session) runReceiveLoop(ctx gstdctx.Context) {
	pool := gstdctx.Pool(ctx)
	pool.Submit(ctx, func() { s.readStreamLoop() })
	pool.Submit(ctx, func() { s.readUnreliableLoop(ctx) })
}

func (s *session) readStreamLoop() {
	var lenPrefix [4]byte
	for {
		if _, err := io.ReadFull(s.conn, lenPrefix[:]); err != nil {
			s.fail(err)
			return
		}
		n := binary.LittleEndian.Uint32(lenPrefix[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			s.fail(err)
			return
		}
		if s.handler != nil {
			s.handler.OnDataReceived(s, buf, wire.ReliableOrdered)
		}
	}
}

func (s *session) readUnreliableLoop(ctx gstdctx.Context) {
	for {
		select {
		case buf := <-s.unreliableRecv:
			if s.handler != nil {
				s.handler.OnDataReceived(s, buf, wire.Unreliable)
			}
		case <-s.closed:
			return
		case <-ctx.Done():
			return
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
