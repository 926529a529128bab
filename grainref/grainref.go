// Package grainref implements the Client Grain Reference Runtime (spec.md
// §4.6, component C6): typed grain references that resolve their target
// server at call time through a multiplexer, and encode/deterministically
// number methods against the manifest. It is grounded on the teacher's
// rpc/client.Conn proxy-construction idiom, generalized from the teacher's
// fixed "pkg/service/call" string triples to this runtime's
// (interface_id, method_index) manifest-numbered pairs.
package grainref

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/endpoint"
	"github.com/granville/rpc/session"
	"github.com/granville/rpc/wire"
)

// KeyKind distinguishes GrainId key variants (spec.md §3).
type KeyKind uint8

const (
	KeyString KeyKind = iota
	KeyInteger
	KeyGUID
	KeyCompound
)

// GrainId is the opaque compound identifying an activation: an interface
// type id plus a key of one of several kinds. Equality is structural.
type GrainId struct {
	InterfaceTypeID uint32
	Kind            KeyKind
	StringKey       string
	IntegerKey      int64
	GUIDKey         [16]byte
	CompoundKey     []GrainId
}

// Equal reports structural equality, used by routing strategies for
// stable-hash tie-breaks and by grain reference caches.
func (g GrainId) Equal(other GrainId) bool {
	return bytes.Equal(g.Encode(), other.Encode())
}

// Encode produces the opaque bytes this runtime carries as wire.Request's
// GrainID field.
func (g GrainId) Encode() []byte {
	var b []byte
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], g.InterfaceTypeID)
	b = append(b, tmp[:]...)
	b = append(b, byte(g.Kind))
	switch g.Kind {
	case KeyString:
		b = append(b, []byte(g.StringKey)...)
	case KeyInteger:
		var i [8]byte
		binary.LittleEndian.PutUint64(i[:], uint64(g.IntegerKey))
		b = append(b, i[:]...)
	case KeyGUID:
		b = append(b, g.GUIDKey[:]...)
	case KeyCompound:
		for _, k := range g.CompoundKey {
			sub := k.Encode()
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(len(sub)))
			b = append(b, l[:]...)
			b = append(b, sub...)
		}
	}
	return b
}

// Invocation is one call's request payload (spec.md §3).
type Invocation struct {
	GrainID     GrainId
	InterfaceID uint32
	MethodIndex uint16
	Arguments   []byte
	Options     CallOptions
}

// CallOptions tune one call beyond its defaults.
type CallOptions struct {
	DeliveryMode    wire.DeliveryMode
	DeliveryModeSet bool
	// Deadline is the per-call timeout. Only consulted if DeadlineSet; a
	// zero-value CallOptions therefore leaves the call's deadline unset
	// (endpoint.Connection.SendRequest substitutes its own default) rather
	// than requesting spec.md §8's "Deadline = 0: immediate Timeout".
	Deadline    time.Duration
	DeadlineSet bool
	OneWay      bool
}

// ConnectionSource resolves a GrainId to the live Connection that should
// carry the call. The multiplexer (C7) implements this; grainref never picks
// a server itself — "the target server is resolved at call time by the
// multiplexer" (spec.md §4.6).
type ConnectionSource interface {
	ConnectionFor(ctx gstdctx.Context, grainID GrainId, interfaceID uint32) (*endpoint.Connection, error)
}

// Reference is a typed grain reference. Generated client code (out of scope
// per spec.md §4.6) wraps Reference with typed methods; this package
// provides the untyped Call/CallOneWay primitives every
// generated method ultimately uses.
type Reference struct {
	grainID  GrainId
	iface    uint32
	conns    ConnectionSource
	boundary *session.Boundary
}

// New creates a Reference carrying only a GrainId — no I/O happens until a
// method is called (spec.md §4.7: "pure (no I/O); selects a server only on
// first call").
func New(grainID GrainId, interfaceID uint32, conns ConnectionSource, boundary *session.Boundary) *Reference {
	return &Reference{grainID: grainID, iface: interfaceID, conns: conns, boundary: boundary}
}

// GrainID returns the reference's identity.
func (r *Reference) GrainID() GrainId { return r.grainID }

// Call performs a two-way invocation, encoding args and decoding the result
// into result (a pointer). methodName is looked up against the resolved
// Connection's remote manifest to derive the deterministic method_index
// spec.md §4.4 requires both sides to compute identically.
func (r *Reference) Call(ctx gstdctx.Context, methodName string, args any, result any, opts CallOptions) error {
	conn, err := r.conns.ConnectionFor(ctx, r.grainID, r.iface)
	if err != nil {
		return err
	}
	manifest := conn.RemoteManifest()
	if manifest == nil {
		return fmt.Errorf("grainref: connection has no remote manifest yet")
	}
	idx, ok := manifest.MethodIndex(r.iface, methodName)
	if !ok {
		return fmt.Errorf("grainref: method %q not found on interface %d manifest", methodName, r.iface)
	}

	argBytes, err := r.boundary.EncodeMessage(ctx, args)
	if err != nil {
		return err
	}

	mode := opts.DeliveryMode
	if !opts.DeliveryModeSet {
		mode = wire.DefaultDeliveryFor(wire.TagRequest, mode, false)
	}

	deadline := opts.Deadline
	if !opts.DeadlineSet {
		deadline = -1
	}
	res, err := conn.SendRequest(ctx, r.grainID.Encode(), r.iface, idx, argBytes, mode, deadline)
	if err != nil {
		return err
	}
	if res.Status != wire.StatusOk {
		return statusError(res.Status, res.Payload)
	}
	if result != nil {
		return r.boundary.DecodeMessage(ctx, res.Payload, result)
	}
	return nil
}

// CallOneWay performs a fire-and-forget invocation; no response is awaited.
func (r *Reference) CallOneWay(ctx gstdctx.Context, methodName string, args any, opts CallOptions) error {
	conn, err := r.conns.ConnectionFor(ctx, r.grainID, r.iface)
	if err != nil {
		return err
	}
	manifest := conn.RemoteManifest()
	if manifest == nil {
		return fmt.Errorf("grainref: connection has no remote manifest yet")
	}
	idx, ok := manifest.MethodIndex(r.iface, methodName)
	if !ok {
		return fmt.Errorf("grainref: method %q not found on interface %d manifest", methodName, r.iface)
	}
	argBytes, err := r.boundary.EncodeMessage(ctx, args)
	if err != nil {
		return err
	}
	mode := opts.DeliveryMode
	if !opts.DeliveryModeSet {
		mode = wire.DefaultDeliveryFor(wire.TagOneWay, mode, false)
	}
	return conn.SendOneWay(ctx, r.grainID.Encode(), r.iface, idx, argBytes, mode)
}

func statusError(status wire.Status, payload []byte) error {
	switch status {
	case wire.StatusCanceled:
		return fmt.Errorf("grainref: call canceled")
	case wire.StatusMethodUnknown:
		return fmt.Errorf("grainref: MethodUnknown")
	case wire.StatusGrainUnknown:
		return fmt.Errorf("grainref: GrainUnknown")
	default:
		return fmt.Errorf("grainref: peer error: %s", string(payload))
	}
}
