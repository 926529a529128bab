// Package endpoint implements the Connection Endpoint (spec.md §4.4,
// component C4): the per-peer state machine, PendingCall table, and
// heartbeat/idle-timeout logic sitting above a transport.Session. It is
// grounded on the teacher's rpc/client/sync.go doCall pattern — a
// correlation-keyed map of response channels guarded by a mutex, with
// context cancellation racing response arrival — generalized from the
// teacher's session-scoped request IDs to this runtime's connection-scoped
// correlation IDs, and from stream-oriented sends to datagram sends with an
// explicit wire.DeliveryMode per call.
package endpoint

import (
	"fmt"
	"sync/atomic"
	"time"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

// State is the Connection lifecycle state machine of spec.md §4.4.
type State uint8

const (
	Disconnected State = iota
	Connecting
	HandshakingManifest
	Connected
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case HandshakingManifest:
		return "HandshakingManifest"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

const (
	// DefaultCallTimeout is the per-call deadline used when a Request does
	// not carry an explicit deadline_ms (spec.md §4.4, §8: "Call 30 s").
	DefaultCallTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds how long a dial may take before it's
	// treated as ConnectFailed (spec.md §8: "Connect 5 s").
	DefaultConnectTimeout = 5 * time.Second
	// DefaultHeartbeatInterval is the idle-keepalive cadence (spec.md §8:
	// "Heartbeat interval 5 s").
	DefaultHeartbeatInterval = 5 * time.Second
	// MissedHeartbeatsBeforeFailed is how many consecutive missed acks mark
	// the session Failed (spec.md §4.4: "two consecutive missed acks").
	MissedHeartbeatsBeforeFailed = 2
)

// Option configures a Connection's per-call knobs (spec.md §8's
// "defaults, all configurable" timeout surface).
type Option func(*Connection)

// WithCallTimeout overrides DefaultCallTimeout for calls made on this
// Connection that don't set an explicit deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Connection) { c.callTimeout = d }
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval. The cadence
// itself is driven by the caller (typically the multiplexer's heartbeat
// loop); this just records the configured value for HeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Connection) { c.heartbeatInterval = d }
}

// RequestHandler dispatches inbound Request/OneWay frames to the server
// invocation engine (C5). Connection delivers decoded wire.Request frames;
// the handler is responsible for the C5 decode/invoke/encode/respond
// pipeline and, for two-way calls, returning the Response for Connection to
// send back.
type RequestHandler interface {
	HandleRequest(ctx gstdctx.Context, from *Connection, req *wire.Request, oneWay bool)
}

// pendingCall is one outstanding client-initiated call awaiting a Response.
type pendingCall struct {
	resultCh chan Result
	timer    *time.Timer
}

// Result is what a PendingCall resolves to: either a successful payload or
// one of the terminal outcomes spec.md §4.4 names.
type Result struct {
	Payload []byte
	Status  wire.Status
	Err     error
}

// Connection is one C4 Connection Endpoint wrapping a transport.Session.
type Connection struct {
	sess    transport.Session
	peerID  uuid.UUID
	localID uuid.UUID
	role    wire.Role
	handler RequestHandler

	state atomic.Uint32 // State

	mu      basesync.Mutex
	pending map[uint64]*pendingCall
	nextID  atomic.Uint64

	localManifest  *wire.ManifestTable
	remoteManifest *wire.ManifestTable

	missedHeartbeats atomic.Int32
	lastHeartbeatRTT atomic.Int64 // milliseconds

	callTimeout       time.Duration
	heartbeatInterval time.Duration

	closed chan struct{}
}

// New wraps sess as a Connection Endpoint. The returned Connection starts in
// Disconnected and does not begin the handshake; call Handshake (client) to
// start it. A server-side Connection advances as the client's handshake
// frames arrive through OnFrame.
func New(sess transport.Session, localID uuid.UUID, role wire.Role, manifest *wire.ManifestTable, handler RequestHandler, opts ...Option) *Connection {
	c := &Connection{
		sess:              sess,
		localID:           localID,
		role:              role,
		handler:           handler,
		pending:           make(map[uint64]*pendingCall),
		localManifest:     manifest,
		closed:            make(chan struct{}),
		callTimeout:       DefaultCallTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, o := range opts {
		o(c)
	}
	c.state.Store(uint32(Disconnected))
	return c
}

// HeartbeatInterval returns this Connection's configured heartbeat cadence.
func (c *Connection) HeartbeatInterval() time.Duration { return c.heartbeatInterval }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(uint32(s)) }

// PeerID returns the remote peer's handshake-advertised id, valid once
// Connected.
func (c *Connection) PeerID() uuid.UUID { return c.peerID }

// RemoteManifest returns the peer's manifest table, valid once Connected.
func (c *Connection) RemoteManifest() *wire.ManifestTable { return c.remoteManifest }

// MissedHeartbeats returns the current consecutive-missed-ack count, used by
// the multiplexer's health monitor to grade a Connection's serving status
// without issuing a separate probe call.
func (c *Connection) MissedHeartbeats() int32 { return c.missedHeartbeats.Load() }

// LastHeartbeatRTT returns the most recently observed heartbeat round-trip
// time in milliseconds, or 0 if none has been observed yet.
func (c *Connection) LastHeartbeatRTT() int64 { return c.lastHeartbeatRTT.Load() }

// Handshake starts the client-side handshake: it moves the Connection to
// Connecting, sends the Handshake frame and returns without waiting for the
// peer. The manifest exchange then completes through OnFrame, which moves
// the Connection to Connected. A send failure moves it to Failed and is
// returned as a CatTransport error.
func (c *Connection) Handshake(ctx gstdctx.Context) error {
	c.setState(Connecting)

	hs := &wire.Frame{Tag: wire.TagHandshake, Handshake: &wire.Handshake{
		ProtocolVersion: wire.ProtocolVersion,
		PeerID:          c.localID,
		Role:            c.role,
	}}
	if err := c.sendFrame(ctx, hs, wire.ReliableOrdered); err != nil {
		c.setState(Failed)
		return granerrors.E(granerrors.CatTransport, err)
	}
	return nil
}

// sendFrame encodes and sends a frame with the given delivery mode.
func (c *Connection) sendFrame(ctx gstdctx.Context, f *wire.Frame, mode wire.DeliveryMode) error {
	b, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return c.sess.Send(ctx, b, mode)
}

// OnFrame handles one decoded inbound frame. It is called from the
// transport.EventHandler adapter (see bridge.go) once a datagram has been
// parsed by wire.Decode.
func (c *Connection) OnFrame(ctx gstdctx.Context, f *wire.Frame) {
	switch f.Tag {
	case wire.TagHandshake:
		c.onHandshake(ctx, f.Handshake)
	case wire.TagHandshakeAck:
		c.onHandshakeAck(ctx, f.HandshakeAck)
	case wire.TagManifest:
		c.onManifest(ctx, f.Manifest)
	case wire.TagManifestAck:
		c.onManifestAck(f.ManifestAck)
	case wire.TagRequest:
		if c.handler != nil {
			c.handler.HandleRequest(ctx, c, f.Request, false)
		}
	case wire.TagOneWay:
		if c.handler != nil {
			c.handler.HandleRequest(ctx, c, f.Request, true)
		}
	case wire.TagResponse:
		c.onResponse(f.Response)
	case wire.TagHeartbeat:
		c.onHeartbeat(ctx, f.Heartbeat)
	case wire.TagHeartbeatAck:
		c.onHeartbeatAck(f.HeartbeatAck)
	case wire.TagClose:
		c.onClose(f.Close)
	}
}

func (c *Connection) onHandshake(ctx gstdctx.Context, hs *wire.Handshake) {
	if hs.ProtocolVersion != wire.ProtocolVersion {
		c.sendFrame(ctx, &wire.Frame{Tag: wire.TagClose, Close: &wire.Close{Reason: wire.CloseVersionMismatch}}, wire.ReliableOrdered)
		c.fail(fmt.Errorf("endpoint: protocol version mismatch: peer=%d local=%d", hs.ProtocolVersion, wire.ProtocolVersion))
		return
	}
	c.peerID = hs.PeerID
	c.setState(HandshakingManifest)

	ack := &wire.Frame{Tag: wire.TagHandshakeAck, HandshakeAck: &wire.HandshakeAck{
		ProtocolVersion: wire.ProtocolVersion,
		PeerID:          c.localID,
		ManifestVersion: 1,
	}}
	c.sendFrame(ctx, ack, wire.ReliableOrdered)

	payload := []byte{}
	if c.localManifest != nil {
		payload = c.localManifest.Encode()
	}
	manifest := &wire.Frame{Tag: wire.TagManifest, Manifest: &wire.ManifestFrame{ManifestVersion: 1, Payload: payload}}
	c.sendFrame(ctx, manifest, wire.ReliableOrdered)
}

func (c *Connection) onHandshakeAck(ctx gstdctx.Context, ack *wire.HandshakeAck) {
	if ack.ProtocolVersion != wire.ProtocolVersion {
		c.fail(fmt.Errorf("endpoint: protocol version mismatch in ack: peer=%d local=%d", ack.ProtocolVersion, wire.ProtocolVersion))
		return
	}
	c.peerID = ack.PeerID
	c.setState(HandshakingManifest)

	payload := []byte{}
	if c.localManifest != nil {
		payload = c.localManifest.Encode()
	}
	manifest := &wire.Frame{Tag: wire.TagManifest, Manifest: &wire.ManifestFrame{ManifestVersion: 1, Payload: payload}}
	c.sendFrame(ctx, manifest, wire.ReliableOrdered)
}

func (c *Connection) onManifest(ctx gstdctx.Context, m *wire.ManifestFrame) {
	table, err := wire.DecodeManifestTable(m.Payload)
	if err != nil {
		c.fail(fmt.Errorf("endpoint: decode manifest: %w", err))
		return
	}
	c.remoteManifest = table
	c.sendFrame(ctx, &wire.Frame{Tag: wire.TagManifestAck, ManifestAck: &wire.ManifestAckFrame{ManifestVersion: m.ManifestVersion}}, wire.ReliableOrdered)
	c.setState(Connected)
}

func (c *Connection) onManifestAck(ack *wire.ManifestAckFrame) {
	c.setState(Connected)
}

func (c *Connection) onResponse(resp *wire.Response) {
	c.mu.Lock()
	pc, ok := c.pending[resp.CorrelationID]
	if ok {
		delete(c.pending, resp.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		// No matching PendingCall: discard, per spec.md §4.4 ("otherwise
		// discard and log") — logging is the embedder's EventHandler's job.
		return
	}
	pc.timer.Stop()
	select {
	case pc.resultCh <- Result{Payload: resp.Payload, Status: resp.Status}:
	default:
	}
}

func (c *Connection) onHeartbeat(ctx gstdctx.Context, hb *wire.Heartbeat) {
	c.sendFrame(ctx, &wire.Frame{Tag: wire.TagHeartbeatAck, HeartbeatAck: &wire.Heartbeat{SendTimeMS: hb.SendTimeMS}}, wire.Unreliable)
}

func (c *Connection) onHeartbeatAck(ack *wire.Heartbeat) {
	c.missedHeartbeats.Store(0)
	now := time.Now().UnixMilli()
	if now > int64(ack.SendTimeMS) {
		c.lastHeartbeatRTT.Store(now - int64(ack.SendTimeMS))
	}
}

func (c *Connection) onClose(cl *wire.Close) {
	c.fail(fmt.Errorf("endpoint: peer closed: %s (reason=%d)", cl.Message, cl.Reason))
}

// SendHeartbeat emits one Heartbeat frame and increments the missed-ack
// counter; a subsequent HeartbeatAck resets it. Callers (typically a ticker
// goroutine owned by the multiplexer or server) invoke this on
// DefaultHeartbeatInterval; two consecutive misses fail the connection.
func (c *Connection) SendHeartbeat(ctx gstdctx.Context) {
	if c.missedHeartbeats.Add(1) > MissedHeartbeatsBeforeFailed {
		c.fail(fmt.Errorf("endpoint: missed %d consecutive heartbeat acks", MissedHeartbeatsBeforeFailed))
		return
	}
	c.sendFrame(ctx, &wire.Frame{Tag: wire.TagHeartbeat, Heartbeat: &wire.Heartbeat{SendTimeMS: uint64(time.Now().UnixMilli())}}, wire.Unreliable)
}

// SendRequest performs a two-way call: allocate a correlation id, insert a
// PendingCall with a deadline timer, send the Request, and block until a
// Response arrives, the deadline fires, ctx is canceled, or the connection
// fails — whichever happens first wins (spec.md's cancellation/response
// race, "first outcome wins; the loser is dropped"). deadline < 0 means
// "unset" and substitutes DefaultCallTimeout; deadline == 0 is itself
// meaningful (spec.md §8: "Deadline = 0: immediate Timeout") and is not
// promoted to the default.
func (c *Connection) SendRequest(ctx gstdctx.Context, grainID []byte, interfaceID uint32, methodIndex uint16, args []byte, mode wire.DeliveryMode, deadline time.Duration) (Result, error) {
	if c.State() != Connected {
		return Result{}, granerrors.E(granerrors.CatDisconnected, fmt.Errorf("endpoint: SendRequest called in state %s", c.State()))
	}
	if deadline < 0 {
		deadline = c.callTimeout
	}
	if deadline == 0 {
		return Result{}, granerrors.E(granerrors.CatTimeout, fmt.Errorf("endpoint: immediate timeout (deadline=0)"))
	}

	corrID := c.nextID.Add(1)
	resultCh := make(chan Result, 1)
	timer := time.AfterFunc(deadline, func() {
		c.mu.Lock()
		_, ok := c.pending[corrID]
		delete(c.pending, corrID)
		c.mu.Unlock()
		if ok {
			select {
			case resultCh <- Result{Err: granerrors.E(granerrors.CatTimeout, fmt.Errorf("endpoint: call %d timed out after %s", corrID, deadline))}:
			default:
			}
		}
	})

	c.mu.Lock()
	c.pending[corrID] = &pendingCall{resultCh: resultCh, timer: timer}
	c.mu.Unlock()

	req := &wire.Request{
		CorrelationID: corrID,
		GrainID:       grainID,
		InterfaceID:   interfaceID,
		MethodIndex:   methodIndex,
		DeliveryMode:  mode,
		DeadlineMS:    uint32(deadline.Milliseconds()),
		Arguments:     args,
	}
	if err := c.sendFrame(ctx, &wire.Frame{Tag: wire.TagRequest, Request: req}, mode); err != nil {
		c.removePending(corrID)
		timer.Stop()
		return Result{}, granerrors.E(granerrors.CatTransport, err)
	}

	select {
	case res := <-resultCh:
		return res, res.Err
	case <-ctx.Done():
		c.removePending(corrID)
		timer.Stop()
		// Best-effort cancellation notice; spec.md §4.4 permits omitting
		// on-wire cancel entirely, but a OneWay hint costs nothing here.
		c.sendFrame(ctx, &wire.Frame{Tag: wire.TagOneWay, Request: &wire.Request{GrainID: grainID, InterfaceID: interfaceID, MethodIndex: methodIndex, Flags: wire.FlagOneWayHint, Arguments: nil}}, wire.Unreliable)
		return Result{}, granerrors.E(granerrors.CatCanceled, ctx.Err())
	case <-c.closed:
		c.removePending(corrID)
		timer.Stop()
		return Result{}, granerrors.E(granerrors.CatDisconnected, fmt.Errorf("endpoint: connection closed while call %d was pending", corrID))
	}
}

// SendOneWay sends a Request with CorrelationID 0 and expects no Response.
func (c *Connection) SendOneWay(ctx gstdctx.Context, grainID []byte, interfaceID uint32, methodIndex uint16, args []byte, mode wire.DeliveryMode) error {
	if c.State() != Connected {
		return granerrors.E(granerrors.CatDisconnected, fmt.Errorf("endpoint: SendOneWay called in state %s", c.State()))
	}
	req := &wire.Request{InterfaceID: interfaceID, MethodIndex: methodIndex, GrainID: grainID, DeliveryMode: mode, Arguments: args}
	return c.sendFrame(ctx, &wire.Frame{Tag: wire.TagOneWay, Request: req}, mode)
}

// SendResponse is used by the server invocation engine (C5) to complete an
// inbound two-way Request.
func (c *Connection) SendResponse(ctx gstdctx.Context, correlationID uint64, status wire.Status, payload []byte, mode wire.DeliveryMode) error {
	resp := &wire.Response{CorrelationID: correlationID, Status: status, Payload: payload}
	return c.sendFrame(ctx, &wire.Frame{Tag: wire.TagResponse, Response: resp}, mode)
}

// SendResponseFrame sends a caller-built Response verbatim, used for the
// streaming-return terminal frame (spec.md §4.6's FlagEndOfStream marker),
// where SendResponse's fixed field set doesn't cover Flags.
func (c *Connection) SendResponseFrame(ctx gstdctx.Context, resp *wire.Response, mode wire.DeliveryMode) error {
	return c.sendFrame(ctx, &wire.Frame{Tag: wire.TagResponse, Response: resp}, mode)
}

func (c *Connection) removePending(corrID uint64) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

// Close performs a graceful close: sends Close, drains all PendingCalls with
// Disconnected, and transitions to Closed.
func (c *Connection) Close(ctx gstdctx.Context) error {
	if c.State() == Closed || c.State() == Failed {
		return nil
	}
	c.setState(Closing)
	c.sendFrame(ctx, &wire.Frame{Tag: wire.TagClose, Close: &wire.Close{Reason: wire.CloseNormal}}, wire.ReliableOrdered)
	c.drain(granerrors.E(granerrors.CatDisconnected, fmt.Errorf("endpoint: connection closed")))
	c.setState(Closed)
	close(c.closed)
	return c.sess.Close()
}

// fail transitions the connection to Failed and drains all PendingCalls,
// per spec.md §4.4: "all PendingCalls are completed with a terminal error on
// session Failed; the session is not auto-reconnected." If cause already
// carries a category (e.g. CatProtocol for a framing fault), that category
// is preserved; otherwise it is categorized as CatDisconnected.
func (c *Connection) fail(cause error) {
	if c.State() == Failed || c.State() == Closed {
		return
	}
	c.setState(Failed)
	result := cause
	if _, ok := cause.(granerrors.Error); !ok {
		result = granerrors.E(granerrors.CatDisconnected, cause)
	}
	c.drain(result)
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

func (c *Connection) drain(result error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		select {
		case pc.resultCh <- Result{Err: result}:
		default:
		}
	}
}
