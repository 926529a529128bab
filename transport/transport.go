// Package transport defines the datagram transport abstraction (spec.md
// §4.1, component C1): an abstract duplex packet channel with reliable and
// unreliable delivery modes. Two implementations coexist — transport/quic
// and transport/webtransport — selected at runtime by the embedder;
// transport/loopback provides a third, in-process implementation used by
// this repository's own tests.
package transport

import (
	"fmt"
	"net"

	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/wire"
)

// CloseReason explains why a Session ended, surfaced via OnSessionClosed.
type CloseReason struct {
	Code    wire.CloseReason
	Message string
	Err     error
}

func (r CloseReason) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Message, r.Err)
	}
	return r.Message
}

// ConnectFailedKind enumerates why Dial failed to establish a Session
// (spec.md §4.1: "fails with ConnectFailed{kind:Timeout|Rejected|NetworkError}").
type ConnectFailedKind uint8

const (
	ConnectFailedTimeout ConnectFailedKind = iota
	ConnectFailedRejected
	ConnectFailedNetworkError
)

// ConnectFailedError is returned by Dialer.Dial on failure.
type ConnectFailedError struct {
	Kind ConnectFailedKind
	Err  error
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("connect failed (%d): %v", e.Kind, e.Err)
}

func (e *ConnectFailedError) Unwrap() error { return e.Err }

// MaxDatagramSize is the default maximum payload per unreliable datagram a
// Session guarantees it can send without fragmentation. Concrete transports
// may report a different value via Session.MaxDatagramSize; the protocol
// layer above MUST NOT assume a larger frame fits (spec.md §4.1).
const MaxDatagramSize = 1200

// PollCadence is the default polling cadence transports are permitted to
// use; the runtime must not assume lower latency than this (spec.md §4.1).
const PollCadence = 15 // milliseconds, see spec.md §4.1 default.

// EventHandler receives asynchronous Session events. All methods may be
// called concurrently from the transport's poll loop and must not block.
type EventHandler interface {
	// OnSessionOpened is called once a Session is ready for Send/Receive.
	OnSessionOpened(s Session)
	// OnSessionClosed is called exactly once per Session, with the reason.
	OnSessionClosed(s Session, reason CloseReason)
	// OnDataReceived delivers one datagram payload.
	OnDataReceived(s Session, payload []byte, mode wire.DeliveryMode)
	// OnError reports a non-fatal transport error associated with remote,
	// if known; nil remote means the error is local/transport-wide.
	OnError(remote net.Addr, kind ConnectFailedKind, err error)
	// OnLatencySample reports a round-trip latency observation in
	// milliseconds, typically derived from heartbeat round trips.
	OnLatencySample(s Session, ms float64)
}

// Session is one duplex packet channel to a peer, as produced by Listen or
// Dial. Implementations must be safe for concurrent Send calls.
type Session interface {
	// Send enqueues a datagram with the requested delivery mode. For
	// Reliable/ReliableOrdered, the transport guarantees eventual delivery
	// or session failure (surfaced via OnSessionClosed); Unreliable may
	// silently drop.
	Send(ctx gstdctx.Context, payload []byte, mode wire.DeliveryMode) error
	// LocalAddr and RemoteAddr report the session's network endpoints.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// MaxDatagramSize reports the largest payload this session accepts for
	// Unreliable sends without the transport fragmenting or rejecting it.
	MaxDatagramSize() int
	// Close ends the session; OnSessionClosed still fires with CloseNormal.
	Close() error
}

// Listener accepts inbound Sessions. Transports deliver accepted sessions
// both through Accept and through the configured EventHandler's
// OnSessionOpened, so a server may use whichever style fits its dispatch
// loop.
type Listener interface {
	Accept(ctx gstdctx.Context) (Session, error)
	Close() error
	Addr() net.Addr
}

// Dialer establishes an outbound Session to a single remote endpoint.
type Dialer interface {
	Dial(ctx gstdctx.Context, remoteEndpoint string) (Session, error)
}

// Transport is the full C1 contract: a concrete datagram transport
// implementation offers both listen and connect.
type Transport interface {
	Listen(ctx gstdctx.Context, localEndpoint string, handler EventHandler) (Listener, error)
	Connect(ctx gstdctx.Context, remoteEndpoint string, handler EventHandler) (Session, error)
}
