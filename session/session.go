// Package session implements the serialization session boundary (spec.md
// §4.3, component C3): a fresh serializer session per message, a pooled
// growable writer on send, a read-only view on receive, and a configurable
// payload size cap. It is grounded on the teacher's clawc/languages/go/segment
// pooling idiom (github.com/gostdlib/base/concurrency/sync.Pool[T]) rather
// than a bare sync.Pool, since that pool's Get/Put take a context and this
// runtime threads gostdlib/base/context.Context everywhere else.
package session

import (
	"fmt"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/compress"
	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/wire"
)

// DefaultMaxPayload is the soft cap spec.md §4.3 requires (default 1 MiB).
const DefaultMaxPayload = 1 << 20

// Codec is the embedder-supplied payload codec. Encode/Decode see only the
// opaque bytes a Request's Arguments or a Response's Payload carries; this
// package never inspects their contents.
type Codec interface {
	// Encode serializes v into a fresh Writer. Implementations MUST treat
	// each call as an independent session: no back-references, shared
	// dictionaries, or state may leak from a prior Encode/Decode call, even
	// if the underlying codec format supports session reuse.
	Encode(w *Writer, v any) error
	// Decode deserializes a read-only view of data into v.
	Decode(r *Reader, v any) error
}

// Writer is the pooled growable byte buffer handed to Codec.Encode. It is
// reset and returned to the pool once its bytes have been copied onto the
// wire, so a Codec must not retain it past Encode.
type Writer struct {
	buf []byte
}

// Write appends p to the buffer.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Bytes returns the accumulated buffer. Valid only until the Writer is
// released back to the pool.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) reset() { w.buf = w.buf[:0] }

var writerPool = basesync.NewPool[*Writer](
	gstdctx.Background(),
	"session.Writer",
	func() *Writer { return &Writer{buf: make([]byte, 0, 256)} },
)

// Reader is the read-only view handed to Codec.Decode. It never copies or
// retains data beyond the lifetime of one Decode call.
type Reader struct {
	b []byte
}

// Bytes returns the remaining unread-only view of the payload.
func (r *Reader) Bytes() []byte { return r.b }

// Boundary is the C3 serialization session boundary for one Connection. It
// is safe for concurrent use; every Encode/Decode call gets its own pooled
// Writer, so there is no shared serializer state between messages.
type Boundary struct {
	codec       Codec
	maxPayload  int
	compression wire.Compression
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithMaxPayload overrides the default 1 MiB soft cap.
func WithMaxPayload(n int) Option {
	return func(b *Boundary) { b.maxPayload = n }
}

// WithCompression selects a compressor (from the compress package's
// registry) applied to encoded bytes before they leave EncodeMessage, and
// expected on bytes arriving at DecodeMessage. wire.CmpNone disables it.
func WithCompression(c wire.Compression) Option {
	return func(b *Boundary) { b.compression = c }
}

// New creates a Boundary around an embedder-supplied Codec.
func New(codec Codec, opts ...Option) *Boundary {
	b := &Boundary{codec: codec, maxPayload: DefaultMaxPayload, compression: wire.CmpNone}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Compression reports the compressor this boundary applies on encode, so
// callers building a wire.Request/wire.Response can stamp the same value.
func (b *Boundary) Compression() wire.Compression { return b.compression }

// EncodeMessage serializes v through a fresh pooled Writer, per spec.md
// §4.3's "fresh serializer session per message" requirement, then applies
// the configured compressor and enforces the payload cap.
func (b *Boundary) EncodeMessage(ctx gstdctx.Context, v any) ([]byte, error) {
	w := writerPool.Get(ctx)
	defer func() {
		w.reset()
		writerPool.Put(ctx, w)
	}()

	if err := b.codec.Encode(w, v); err != nil {
		return nil, granerrors.E(granerrors.CatProtocol, err)
	}

	out := append([]byte(nil), w.Bytes()...)
	compressed, err := compress.Compress(b.compression, out)
	if err != nil {
		return nil, granerrors.E(granerrors.CatProtocol, err)
	}
	if len(compressed) > b.maxPayload {
		return nil, granerrors.E(granerrors.CatPayloadTooLarge, errPayloadTooLarge(len(compressed), b.maxPayload))
	}
	return compressed, nil
}

// DecodeMessage enforces the payload cap, reverses compression, and decodes
// data into v through a fresh read-only Reader view — never the Writer used
// to produce the bytes, since a read-only view over received bytes must not
// share backing state with a pending send.
func (b *Boundary) DecodeMessage(ctx gstdctx.Context, data []byte, v any) error {
	if len(data) > b.maxPayload {
		return granerrors.E(granerrors.CatPayloadTooLarge, errPayloadTooLarge(len(data), b.maxPayload))
	}
	raw, err := compress.Decompress(b.compression, data)
	if err != nil {
		return granerrors.E(granerrors.CatProtocol, err)
	}
	r := &Reader{b: raw}
	if err := b.codec.Decode(r, v); err != nil {
		return granerrors.E(granerrors.CatProtocol, err)
	}
	return nil
}

type payloadTooLargeErr struct {
	size, max int
}

func (e payloadTooLargeErr) Error() string {
	return fmt.Sprintf("session: payload of %d bytes exceeds cap of %d bytes", e.size, e.max)
}

func errPayloadTooLarge(size, max int) error {
	return payloadTooLargeErr{size: size, max: max}
}
