// Package invoke implements the Server Invocation Engine (spec.md §4.5,
// component C5): grain/activation resolution, method-index resolution
// against the local manifest, decode/invoke/encode/respond, and bounded-queue
// admission control. It is grounded on the teacher's rpc/server Registry and
// Handler types — a string-keyed lookup feeding a HandleFunc — generalized
// from the teacher's static pkg/service/call string keys to this runtime's
// dynamic grain-id-addressed activations, since a grain's concrete type is
// resolved per-call rather than fixed at registration time.
package invoke

import (
	"fmt"

	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/endpoint"
	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/session"
	"github.com/granville/rpc/wire"
)

// Activation is a resolved, invocable grain instance. The embedder's grain
// factory (spec.md §6) produces these; this package never constructs one.
type Activation interface {
	// Dispatch invokes methodName with the already-decoded argument value
	// and returns the (possibly streaming) result or an error. Single-valued
	// returns set stream to nil; streaming returns set result to nil and
	// populate stream, which the engine drains and frames as repeated
	// Response items terminated by FlagEndOfStream.
	Dispatch(ctx gstdctx.Context, methodName string, args any) (result any, stream <-chan StreamItem, err error)
}

// StreamItem is one item of a streaming-return invocation (spec.md §4.6).
type StreamItem struct {
	Value any
	Err   error
}

// ActivationResolver resolves an inbound grain_id to a local Activation,
// per spec.md §4.5 step 1 ("embedder's grain-factory interface, §6").
type ActivationResolver interface {
	ResolveActivation(ctx gstdctx.Context, grainID []byte, interfaceID uint32) (Activation, bool)
}

// Engine is the C5 Server Invocation Engine for one manifest/interface set.
type Engine struct {
	manifest  *wire.ManifestTable
	resolver  ActivationResolver
	boundary  *session.Boundary
	newArgs   func(interfaceID uint32, methodName string) any
	queue     chan struct{} // admission-control token bucket
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueueDepth bounds in-flight invocations; a Request arriving when the
// queue is full is answered Overloaded rather than dropped (spec.md §4.5).
// Default 256.
func WithQueueDepth(n int) Option {
	return func(e *Engine) { e.queue = make(chan struct{}, n) }
}

// New creates an Engine. newArgs supplies a fresh argument value for
// interfaceID/methodName for the session Boundary to decode into.
func New(manifest *wire.ManifestTable, resolver ActivationResolver, boundary *session.Boundary, newArgs func(interfaceID uint32, methodName string) any, opts ...Option) *Engine {
	e := &Engine{manifest: manifest, resolver: resolver, boundary: boundary, newArgs: newArgs, queue: make(chan struct{}, 256)}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ endpoint.RequestHandler = (*Engine)(nil)

// HandleRequest implements endpoint.RequestHandler, the C4/C5 seam.
func (e *Engine) HandleRequest(ctx gstdctx.Context, from *endpoint.Connection, req *wire.Request, oneWay bool) {
	select {
	case e.queue <- struct{}{}:
		defer func() { <-e.queue }()
	default:
		if !oneWay {
			e.respondErr(ctx, from, req, wire.StatusError, granerrors.E(granerrors.CatOverloaded, fmt.Errorf("invoke: admission queue full")))
		}
		return
	}

	methodName, ok := e.manifest.MethodName(req.InterfaceID, req.MethodIndex)
	if !ok {
		if !oneWay {
			e.respond(ctx, from, req, wire.StatusMethodUnknown, nil)
		}
		return
	}

	activation, ok := e.resolver.ResolveActivation(ctx, req.GrainID, req.InterfaceID)
	if !ok {
		if !oneWay {
			e.respond(ctx, from, req, wire.StatusGrainUnknown, nil)
		}
		return
	}

	argsVal := e.newArgs(req.InterfaceID, methodName)
	if err := e.boundary.DecodeMessage(ctx, req.Arguments, argsVal); err != nil {
		if !oneWay {
			e.respondErr(ctx, from, req, wire.StatusError, err)
		}
		return
	}

	result, stream, err := activation.Dispatch(ctx, methodName, argsVal)
	if oneWay {
		// spec.md §4.5: "no Response is produced even on error; errors are
		// logged" — logging is the embedder's concern via its own wrapping
		// of ActivationResolver/Activation.
		return
	}
	if stream != nil {
		e.streamResponses(ctx, from, req, stream)
		return
	}
	if err != nil {
		e.respondErr(ctx, from, req, wire.StatusError, err)
		return
	}

	payload, encErr := e.boundary.EncodeMessage(ctx, result)
	if encErr != nil {
		e.respondErr(ctx, from, req, wire.StatusError, encErr)
		return
	}
	e.respond(ctx, from, req, wire.StatusOk, payload)
}

// streamResponses drains a streaming-return Activation result, framing each
// item as a Response sharing the Request's correlation id, terminated by a
// final EndOfStream-flagged Response (spec.md §4.6).
func (e *Engine) streamResponses(ctx gstdctx.Context, from *endpoint.Connection, req *wire.Request, stream <-chan StreamItem) {
	for item := range stream {
		if item.Err != nil {
			e.respondErr(ctx, from, req, wire.StatusError, item.Err)
			return
		}
		payload, err := e.boundary.EncodeMessage(ctx, item.Value)
		if err != nil {
			e.respondErr(ctx, from, req, wire.StatusError, err)
			return
		}
		from.SendResponse(ctx, req.CorrelationID, wire.StatusOk, payload, req.DeliveryMode)
	}
	final := &wire.Response{CorrelationID: req.CorrelationID, Status: wire.StatusOk, Flags: wire.FlagEndOfStream}
	from.SendResponseFrame(ctx, final, req.DeliveryMode)
}

func (e *Engine) respond(ctx gstdctx.Context, from *endpoint.Connection, req *wire.Request, status wire.Status, payload []byte) {
	from.SendResponse(ctx, req.CorrelationID, status, payload, req.DeliveryMode)
}

func (e *Engine) respondErr(ctx gstdctx.Context, from *endpoint.Connection, req *wire.Request, status wire.Status, err error) {
	from.SendResponse(ctx, req.CorrelationID, status, []byte(err.Error()), req.DeliveryMode)
}
