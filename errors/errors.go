// Package errors provides the typed error taxonomy surfaced to RPC callers
// (spec.md §7). It follows the teacher codebase's languages/go/errors idiom
// of a small Category enum plus a constructor E() that attaches call-site
// information, rather than ad-hoc sentinel errors or string matching.
package errors

import (
	"fmt"
	"runtime"
)

// Category is the error taxonomy surfaced to RPC callers (spec.md §7).
type Category uint32

const (
	// CatUnknown should never be returned; its presence indicates a bug.
	CatUnknown Category = Category(0) // Unknown
	// CatTransport: session never opened or was torn down.
	CatTransport Category = Category(1) // Transport
	// CatProtocol: handshake/manifest mismatch, unsupported version, malformed frame.
	CatProtocol Category = Category(2) // Protocol
	// CatRouting: no server available for the requested routing criteria.
	CatRouting Category = Category(3) // Routing
	// CatLookup: grain or method unknown on the peer.
	CatLookup Category = Category(4) // Lookup
	// CatTimeout: per-call deadline expired locally.
	CatTimeout Category = Category(5) // Timeout
	// CatCanceled: caller-initiated cancellation.
	CatCanceled Category = Category(6) // Canceled
	// CatDisconnected: connection lost mid-call.
	CatDisconnected Category = Category(7) // Disconnected
	// CatPeer: the peer returned Response{status=Error} with a message.
	CatPeer Category = Category(8) // Peer
	// CatOverloaded: server-side admission control refused the request.
	CatOverloaded Category = Category(9) // Overloaded
	// CatPayloadTooLarge: encode/decode refused by the session boundary's cap.
	CatPayloadTooLarge Category = Category(10) // PayloadTooLarge
)

func (c Category) Category() string { return c.String() }

// TransportKind sub-categorizes CatTransport errors (spec.md §4.1's
// ConnectFailed{kind:Timeout|Rejected|NetworkError}).
type TransportKind uint16

const (
	TransportKindNone         TransportKind = 0
	TransportKindTimeout      TransportKind = 1 // Timeout
	TransportKindRejected     TransportKind = 2 // Rejected
	TransportKindNetworkError TransportKind = 3 // NetworkError
)

// LogAttrer lets an error contribute structured key/value pairs to logging,
// the same extension point the teacher's errors package exposes.
type LogAttrer interface {
	LogAttrs() []any
}

// Error is the concrete error type this package returns. It carries a
// Category, the call site that produced it, and an optional wrapped cause.
type Error struct {
	Cat    Category
	Msg    string
	Cause  error
	File   string
	Line   int
	attrs  []any
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Cat, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Cat, e.Msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e Error) Unwrap() error { return e.Cause }

// LogAttrs implements LogAttrer.
func (e Error) LogAttrs() []any {
	return append([]any{"category", e.Cat.String(), "file", e.File, "line", e.Line}, e.attrs...)
}

// EOption configures E().
type EOption func(*Error)

// WithAttrs attaches structured logging attributes to the error.
func WithAttrs(kv ...any) EOption {
	return func(e *Error) { e.attrs = append(e.attrs, kv...) }
}

// WithCallNum adjusts which stack frame is recorded as the error's origin,
// for constructors that wrap E() (mirrors the teacher's WithCallNum).
func WithCallNum(skip int) EOption {
	return func(e *Error) {
		if _, file, line, ok := runtime.Caller(skip); ok {
			e.File, e.Line = file, line
		}
	}
}

// E constructs a categorized Error, recording the immediate caller's file
// and line unless overridden by WithCallNum.
func E(cat Category, msg error, options ...EOption) Error {
	e := Error{Cat: cat}
	if msg != nil {
		e.Msg = msg.Error()
		e.Cause = msg
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		e.File, e.Line = file, line
	}
	for _, opt := range options {
		opt(&e)
	}
	return e
}

// Is reports whether err is an Error of the given category. It is the
// primary way callers branch on the spec.md §7 taxonomy.
func Is(err error, cat Category) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			if e.Cat == cat {
				return true
			}
			err = e.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CategoryOf extracts the Category from err, or CatUnknown if err is not
// (and does not wrap) an Error from this package.
func CategoryOf(err error) Category {
	for err != nil {
		if e, ok := err.(Error); ok {
			return e.Cat
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return CatUnknown
		}
		err = u.Unwrap()
	}
	return CatUnknown
}
