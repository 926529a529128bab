// Package metadata provides case-insensitive key/value side-channel data
// attached to a call via its context, the way the teacher's rpc/metadata
// does for its synchronous RPC calls. This runtime's wire frames (spec.md
// §4.2) carry no metadata field of their own, so MD never crosses the wire
// directly; it is a local propagation mechanism generalized here to carry
// the zone.RoutingContext's zone hint (spec.md §4.8) alongside a call,
// the way the teacher intended its metadata package to carry request
// headers.
package metadata

import (
	"strings"

	gstdctx "github.com/gostdlib/base/context"
)

// MD is a mapping from metadata keys to values. Keys are case-insensitive.
type MD map[string][]byte

// New creates metadata from key-value pairs (key, value, key, value, ...).
func New(kv ...string) MD {
	if len(kv)%2 != 0 {
		panic("metadata: New requires even number of arguments")
	}
	md := make(MD, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		md[strings.ToLower(kv[i])] = []byte(kv[i+1])
	}
	return md
}

// Get retrieves a metadata value by key. Keys are case-insensitive.
func (md MD) Get(key string) []byte {
	return md[strings.ToLower(key)]
}

// GetString retrieves a metadata value as a string, or "" if absent.
func (md MD) GetString(key string) string {
	if v := md[strings.ToLower(key)]; v != nil {
		return string(v)
	}
	return ""
}

// Set sets a metadata key to a value. Keys are case-insensitive.
func (md MD) Set(key string, value []byte) {
	md[strings.ToLower(key)] = value
}

// SetString sets a metadata key to a string value.
func (md MD) SetString(key, value string) {
	md[strings.ToLower(key)] = []byte(value)
}

// Delete removes a metadata key.
func (md MD) Delete(key string) {
	delete(md, strings.ToLower(key))
}

// Clone returns a deep copy of the metadata.
func (md MD) Clone() MD {
	if md == nil {
		return nil
	}
	clone := make(MD, len(md))
	for k, v := range md {
		vCopy := make([]byte, len(v))
		copy(vCopy, v)
		clone[k] = vCopy
	}
	return clone
}

// Len returns the number of metadata entries.
func (md MD) Len() int { return len(md) }

type mdKey struct{}

// NewContext returns a context carrying md.
func NewContext(ctx gstdctx.Context, md MD) gstdctx.Context {
	return gstdctx.WithValue(ctx, mdKey{}, md)
}

// FromContext retrieves metadata attached to ctx, if any.
func FromContext(ctx gstdctx.Context) (MD, bool) {
	md, ok := ctx.Value(mdKey{}).(MD)
	return md, ok
}

// AppendToContext appends key-value pairs to the metadata already in ctx
// (cloning it first so the caller's copy is untouched), creating new
// metadata if none is present.
func AppendToContext(ctx gstdctx.Context, kv ...string) gstdctx.Context {
	md, ok := FromContext(ctx)
	if !ok {
		md = New(kv...)
	} else {
		md = md.Clone()
		for i := 0; i < len(kv); i += 2 {
			md.SetString(kv[i], kv[i+1])
		}
	}
	return NewContext(ctx, md)
}

// ZoneKey is the conventional metadata key carrying a zone.GridCoord's
// String() form alongside a call, mirroring the "zone" ServerDescriptor
// metadata convention (spec.md §4.8).
const ZoneKey = "x-granville-zone"
