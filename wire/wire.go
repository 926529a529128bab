// Package wire implements the Granville RPC frame format: a small fixed
// header followed by an opaque payload, as specified for the connection
// endpoint (C4) and serialization session boundary (C3) to build on.
//
// Integer fields are little-endian. Variable-length fields are length
// prefixed with a uint32. Every frame is preceded by three marker bytes so
// stray UDP traffic on the same port is cheaply detectable.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Marker bytes prefix every frame on the wire. They are constant for a given
// protocol version and are checked on receive; a mismatch means the datagram
// did not originate from a Granville RPC peer.
var Marker = [3]byte{0x47, 0x72, 0x76} // "Grv"

// ProtocolVersion is the wire protocol version this package implements.
const ProtocolVersion uint16 = 1

// Tag identifies a frame type. See spec.md §4.2.
type Tag uint8

const (
	TagHandshake    Tag = 0x01
	TagHandshakeAck Tag = 0x02
	TagManifest     Tag = 0x03
	TagManifestAck  Tag = 0x04
	TagRequest      Tag = 0x05
	TagResponse     Tag = 0x06
	TagOneWay       Tag = 0x07
	TagHeartbeat    Tag = 0x08
	TagHeartbeatAck Tag = 0x09
	TagClose        Tag = 0x0A
)

func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "Handshake"
	case TagHandshakeAck:
		return "HandshakeAck"
	case TagManifest:
		return "Manifest"
	case TagManifestAck:
		return "ManifestAck"
	case TagRequest:
		return "Request"
	case TagResponse:
		return "Response"
	case TagOneWay:
		return "OneWay"
	case TagHeartbeat:
		return "Heartbeat"
	case TagHeartbeatAck:
		return "HeartbeatAck"
	case TagClose:
		return "Close"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Compression identifies the payload compressor used for a Request or
// Response's Arguments/Payload bytes, chosen per spec.md §4.3's "optional
// pluggable compression" session-boundary knob.
type Compression uint8

const (
	CmpNone   Compression = 0
	CmpGzip   Compression = 1
	CmpSnappy Compression = 2
	CmpZstd   Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CmpNone:
		return "None"
	case CmpGzip:
		return "Gzip"
	case CmpSnappy:
		return "Snappy"
	case CmpZstd:
		return "Zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// Role identifies which side of a Connection sent a Handshake.
type Role uint8

const (
	RoleServer Role = 0
	RoleClient Role = 1
)

// DeliveryMode is the reliability/ordering contract requested from the
// datagram transport (C1) for a single frame. See spec.md §4.1.
type DeliveryMode uint8

const (
	Reliable DeliveryMode = iota
	ReliableOrdered
	Unreliable
)

func (m DeliveryMode) String() string {
	switch m {
	case Reliable:
		return "Reliable"
	case ReliableOrdered:
		return "ReliableOrdered"
	case Unreliable:
		return "Unreliable"
	default:
		return "Unknown"
	}
}

// Status is carried on a Response frame.
type Status uint8

const (
	StatusOk            Status = 0
	StatusError         Status = 1
	StatusCanceled      Status = 2
	StatusMethodUnknown Status = 3
	StatusGrainUnknown  Status = 4
)

// Flags bits on Request/Response frames.
const (
	FlagEndOfStream byte = 1 << 0
	FlagOneWayHint  byte = 1 << 1
)

// CloseReason is carried on a Close frame.
type CloseReason uint8

const (
	CloseNormal          CloseReason = 0
	CloseVersionMismatch CloseReason = 1
	CloseError           CloseReason = 2
	CloseIdleTimeout     CloseReason = 3
)

// errUnknownTag is wrapped into Encode's error for a Frame whose Tag has no
// encoder. Decode never returns it: unknown frame tags MUST be ignored per
// spec.md §4.2, so Decode reports them as recognized=false with a nil error.
var errUnknownTag = fmt.Errorf("wire: unknown frame tag")

// Frame is the decoded form of any wire message. Exactly one of the typed
// fields below is populated, selected by Tag.
type Frame struct {
	Tag Tag

	Handshake    *Handshake
	HandshakeAck *HandshakeAck
	Manifest     *ManifestFrame
	ManifestAck  *ManifestAckFrame
	Request      *Request
	Response     *Response
	Heartbeat    *Heartbeat
	HeartbeatAck *Heartbeat
	Close        *Close
}

// Handshake is the 0x01 frame.
type Handshake struct {
	ProtocolVersion uint16
	PeerID          uuid.UUID
	Role            Role
	Capabilities    uint32
}

// HandshakeAck is the 0x02 frame.
type HandshakeAck struct {
	ProtocolVersion uint16
	PeerID          uuid.UUID
	ManifestVersion uint32
}

// ManifestFrame is the 0x03 frame. Payload is the encoded interface/method
// and grain-type tables; its internal structure is defined in manifest.go.
type ManifestFrame struct {
	ManifestVersion uint32
	Payload         []byte
}

// ManifestAckFrame is the 0x04 frame.
type ManifestAckFrame struct {
	ManifestVersion uint32
}

// Request is the 0x05 frame. OneWay (0x07) reuses this layout with
// CorrelationID == 0.
type Request struct {
	CorrelationID uint64
	GrainID       []byte // opaque encoded GrainId, see grainref package
	InterfaceID   uint32
	MethodIndex   uint16
	DeliveryMode  DeliveryMode
	Flags         byte
	DeadlineMS    uint32
	Compression   Compression
	Arguments     []byte
}

// Response is the 0x06 frame.
type Response struct {
	CorrelationID uint64
	Status        Status
	Flags         byte
	Compression   Compression
	Payload       []byte
}

// Heartbeat is the 0x08/0x09 frame.
type Heartbeat struct {
	SendTimeMS uint64
}

// Close is the 0x0A frame.
type Close struct {
	Reason  CloseReason
	Message string
}

// Encode serializes f and prepends the marker bytes and tag byte.
func Encode(f *Frame) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, Marker[:]...)
	buf = append(buf, byte(f.Tag))

	var err error
	switch f.Tag {
	case TagHandshake:
		buf, err = appendHandshake(buf, f.Handshake)
	case TagHandshakeAck:
		buf, err = appendHandshakeAck(buf, f.HandshakeAck)
	case TagManifest:
		buf, err = appendManifestFrame(buf, f.Manifest)
	case TagManifestAck:
		buf, err = appendManifestAck(buf, f.ManifestAck)
	case TagRequest, TagOneWay:
		buf, err = appendRequest(buf, f.Request)
	case TagResponse:
		buf, err = appendResponse(buf, f.Response)
	case TagHeartbeat:
		buf, err = appendHeartbeat(buf, f.Heartbeat)
	case TagHeartbeatAck:
		buf, err = appendHeartbeat(buf, f.HeartbeatAck)
	case TagClose:
		buf, err = appendClose(buf, f.Close)
	default:
		return nil, fmt.Errorf("wire: encode: %w: %v", errUnknownTag, f.Tag)
	}
	return buf, err
}

// Decode parses a single frame from b, validating marker bytes.
// An unrecognized tag returns (nil, false, nil) — callers MUST treat that
// as "ignore and keep the session open" per spec.md §4.2, never as an error.
func Decode(b []byte) (frame *Frame, recognized bool, err error) {
	if len(b) < 4 {
		return nil, false, fmt.Errorf("wire: frame too short: %d bytes", len(b))
	}
	if b[0] != Marker[0] || b[1] != Marker[1] || b[2] != Marker[2] {
		return nil, false, fmt.Errorf("wire: bad marker bytes")
	}
	tag := Tag(b[3])
	body := b[4:]

	f := &Frame{Tag: tag}
	switch tag {
	case TagHandshake:
		f.Handshake, err = decodeHandshake(body)
	case TagHandshakeAck:
		f.HandshakeAck, err = decodeHandshakeAck(body)
	case TagManifest:
		f.Manifest, err = decodeManifestFrame(body)
	case TagManifestAck:
		f.ManifestAck, err = decodeManifestAck(body)
	case TagRequest, TagOneWay:
		f.Request, err = decodeRequest(body)
	case TagResponse:
		f.Response, err = decodeResponse(body)
	case TagHeartbeat:
		f.Heartbeat, err = decodeHeartbeat(body)
	case TagHeartbeatAck:
		f.HeartbeatAck, err = decodeHeartbeat(body)
	case TagClose:
		f.Close, err = decodeClose(body)
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return f, true, nil
}

// --- primitive helpers, little-endian, length-prefixed strings/bytes ---

func putU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func putU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func putU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func putBytes(b []byte, v []byte) []byte {
	b = putU32(b, uint32(len(v)))
	return append(b, v...)
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.off+1 > len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) bytes16() ([16]byte, error) {
	var out [16]byte
	if r.off+16 > len(r.b) {
		return out, io.ErrUnexpectedEOF
	}
	copy(out[:], r.b[r.off:r.off+16])
	r.off += 16
	return out, nil
}

func (r *reader) lenPrefixed() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.b) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func appendHandshake(b []byte, h *Handshake) ([]byte, error) {
	b = putU16(b, h.ProtocolVersion)
	id, _ := h.PeerID.MarshalBinary()
	b = append(b, id...)
	b = append(b, byte(h.Role))
	b = putU32(b, h.Capabilities)
	return b, nil
}

func decodeHandshake(body []byte) (*Handshake, error) {
	r := &reader{b: body}
	v, err := r.u16()
	if err != nil {
		return nil, err
	}
	idBytes, err := r.bytes16()
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return nil, err
	}
	role, err := r.byte()
	if err != nil {
		return nil, err
	}
	caps, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &Handshake{ProtocolVersion: v, PeerID: id, Role: Role(role), Capabilities: caps}, nil
}

func appendHandshakeAck(b []byte, h *HandshakeAck) ([]byte, error) {
	b = putU16(b, h.ProtocolVersion)
	id, _ := h.PeerID.MarshalBinary()
	b = append(b, id...)
	b = putU32(b, h.ManifestVersion)
	return b, nil
}

func decodeHandshakeAck(body []byte) (*HandshakeAck, error) {
	r := &reader{b: body}
	v, err := r.u16()
	if err != nil {
		return nil, err
	}
	idBytes, err := r.bytes16()
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return nil, err
	}
	mv, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &HandshakeAck{ProtocolVersion: v, PeerID: id, ManifestVersion: mv}, nil
}

func appendManifestFrame(b []byte, m *ManifestFrame) ([]byte, error) {
	b = putU32(b, m.ManifestVersion)
	b = putBytes(b, m.Payload)
	return b, nil
}

func decodeManifestFrame(body []byte) (*ManifestFrame, error) {
	r := &reader{b: body}
	mv, err := r.u32()
	if err != nil {
		return nil, err
	}
	payload, err := r.lenPrefixed()
	if err != nil {
		return nil, err
	}
	return &ManifestFrame{ManifestVersion: mv, Payload: payload}, nil
}

func appendManifestAck(b []byte, m *ManifestAckFrame) ([]byte, error) {
	return putU32(b, m.ManifestVersion), nil
}

func decodeManifestAck(body []byte) (*ManifestAckFrame, error) {
	r := &reader{b: body}
	mv, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &ManifestAckFrame{ManifestVersion: mv}, nil
}

func appendRequest(b []byte, req *Request) ([]byte, error) {
	b = putU64(b, req.CorrelationID)
	b = putBytes(b, req.GrainID)
	b = putU32(b, req.InterfaceID)
	b = putU16(b, req.MethodIndex)
	b = append(b, byte(req.DeliveryMode))
	b = append(b, req.Flags)
	b = putU32(b, req.DeadlineMS)
	b = append(b, byte(req.Compression))
	b = putBytes(b, req.Arguments)
	return b, nil
}

func decodeRequest(body []byte) (*Request, error) {
	r := &reader{b: body}
	corr, err := r.u64()
	if err != nil {
		return nil, err
	}
	grainID, err := r.lenPrefixed()
	if err != nil {
		return nil, err
	}
	iface, err := r.u32()
	if err != nil {
		return nil, err
	}
	method, err := r.u16()
	if err != nil {
		return nil, err
	}
	mode, err := r.byte()
	if err != nil {
		return nil, err
	}
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	deadline, err := r.u32()
	if err != nil {
		return nil, err
	}
	cmp, err := r.byte()
	if err != nil {
		return nil, err
	}
	args, err := r.lenPrefixed()
	if err != nil {
		return nil, err
	}
	return &Request{
		CorrelationID: corr,
		GrainID:       grainID,
		InterfaceID:   iface,
		MethodIndex:   method,
		DeliveryMode:  DeliveryMode(mode),
		Flags:         flags,
		DeadlineMS:    deadline,
		Compression:   Compression(cmp),
		Arguments:     args,
	}, nil
}

func appendResponse(b []byte, resp *Response) ([]byte, error) {
	b = putU64(b, resp.CorrelationID)
	b = append(b, byte(resp.Status))
	b = append(b, resp.Flags)
	b = append(b, byte(resp.Compression))
	b = putBytes(b, resp.Payload)
	return b, nil
}

func decodeResponse(body []byte) (*Response, error) {
	r := &reader{b: body}
	corr, err := r.u64()
	if err != nil {
		return nil, err
	}
	status, err := r.byte()
	if err != nil {
		return nil, err
	}
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	cmp, err := r.byte()
	if err != nil {
		return nil, err
	}
	payload, err := r.lenPrefixed()
	if err != nil {
		return nil, err
	}
	return &Response{CorrelationID: corr, Status: Status(status), Flags: flags, Compression: Compression(cmp), Payload: payload}, nil
}

func appendHeartbeat(b []byte, h *Heartbeat) ([]byte, error) {
	return putU64(b, h.SendTimeMS), nil
}

func decodeHeartbeat(body []byte) (*Heartbeat, error) {
	r := &reader{b: body}
	t, err := r.u64()
	if err != nil {
		return nil, err
	}
	return &Heartbeat{SendTimeMS: t}, nil
}

func appendClose(b []byte, c *Close) ([]byte, error) {
	b = append(b, byte(c.Reason))
	b = putBytes(b, []byte(c.Message))
	return b, nil
}

func decodeClose(body []byte) (*Close, error) {
	r := &reader{b: body}
	reason, err := r.byte()
	if err != nil {
		return nil, err
	}
	msg, err := r.lenPrefixed()
	if err != nil {
		return nil, err
	}
	return &Close{Reason: CloseReason(reason), Message: string(msg)}, nil
}

// DefaultDeliveryFor returns the transport delivery mode a OneWay frame uses
// when the caller does not override it. spec.md §4.2: "OneWay frames MAY use
// Unreliable by default; callers can override."
func DefaultDeliveryFor(tag Tag, explicit DeliveryMode, explicitSet bool) DeliveryMode {
	if explicitSet {
		return explicit
	}
	if tag == TagOneWay {
		return Unreliable
	}
	return ReliableOrdered
}
