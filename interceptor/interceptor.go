// Package interceptor provides interceptor types for cross-cutting
// concerns — auth, logging, metrics, tracing, retry, hedging, rate
// limiting — around grain calls. Adapted from the teacher's rpc/interceptor:
// the shape (Info struct + Handler + Interceptor wrapping raw bytes) is
// unchanged, but Info is generalized from the teacher's fixed
// "pkg/service/method" RPC naming to this runtime's (interface_id,
// method_index) manifest-numbered addressing (spec.md §3), and its
// Metadata field now carries metadata.MD instead of a wire message type
// this runtime's frames don't have.
package interceptor

import (
	"iter"

	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/metadata"
)

// UnaryServerInfo describes one invocation for server interceptors.
type UnaryServerInfo struct {
	InterfaceID uint32
	MethodIndex uint16
	MethodName  string
	Metadata    metadata.MD
}

// UnaryHandler is the handler a unary server interceptor wraps. req and the
// return value are the session.Boundary-encoded argument/result bytes.
type UnaryHandler func(ctx gstdctx.Context, req []byte) ([]byte, error)

// UnaryServerInterceptor wraps a server-side call. It can inspect/modify
// req, call handler, and inspect/modify the response.
type UnaryServerInterceptor func(ctx gstdctx.Context, req []byte, info *UnaryServerInfo, handler UnaryHandler) ([]byte, error)

// StreamServerInfo describes one streaming invocation for server interceptors.
type StreamServerInfo struct {
	InterfaceID uint32
	MethodIndex uint16
	MethodName  string
	Metadata    metadata.MD
}

// ServerStream is the stream interface passed to stream server interceptors.
type ServerStream interface {
	Send(payload []byte) error
	Recv() iter.Seq[[]byte]
	Context() gstdctx.Context
}

// StreamHandler is the handler a stream server interceptor wraps.
type StreamHandler func(ctx gstdctx.Context, stream ServerStream) error

// StreamServerInterceptor wraps a streaming server-side call.
type StreamServerInterceptor func(ctx gstdctx.Context, stream ServerStream, info *StreamServerInfo, handler StreamHandler) error

// UnaryInvoker performs the actual call on the client side, such as a
// Connection.SendRequest round trip. grainref.Reference calls its
// Connection directly and does not run client interceptors.
type UnaryInvoker func(ctx gstdctx.Context, req []byte) ([]byte, error)

// UnaryClientInterceptor wraps a client-side call. method is the interface
// and method name in "interface_id/method" form (serviceconfig.ParsePattern
// can split it back out).
type UnaryClientInterceptor func(ctx gstdctx.Context, method string, req []byte, invoker UnaryInvoker) ([]byte, error)

// ClientStream is the stream interface passed to stream client interceptors.
type ClientStream interface {
	Send(ctx gstdctx.Context, payload []byte) error
	Recv(ctx gstdctx.Context) iter.Seq[[]byte]
	CloseSend() error
	Close() error
	Err() error
}

// ClientStreamer creates a client stream.
type ClientStreamer func(ctx gstdctx.Context) (ClientStream, error)

// StreamClientInterceptor wraps a streaming client-side call.
type StreamClientInterceptor func(ctx gstdctx.Context, method string, streamer ClientStreamer) (ClientStream, error)
