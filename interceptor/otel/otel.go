package otel

import (
	"time"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/gostdlib/base/telemetry/otel/trace/span"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/interceptor"
)

// Interceptor holds OTEL instrumentation state shared by the four
// interceptor kinds it produces.
type Interceptor struct {
	cfg Config

	serverDuration     metric.Float64Histogram
	serverRequestCount metric.Int64Counter
	serverRequestSize  metric.Int64Histogram
	serverResponseSize metric.Int64Histogram

	clientDuration     metric.Float64Histogram
	clientRequestCount metric.Int64Counter
	clientRequestSize  metric.Int64Histogram
	clientResponseSize metric.Int64Histogram
}

// New creates an Interceptor from cfg, initializing metric instruments and
// compiling trace rules.
func New(ctx gstdctx.Context, cfg Config) (*Interceptor, error) {
	i := &Interceptor{cfg: cfg}
	if cfg.EnableMetrics {
		if err := i.initMetrics(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.TraceRules != nil {
		if err := cfg.TraceRules.compile(); err != nil {
			return nil, err
		}
	}
	return i, nil
}

func (i *Interceptor) initMetrics(ctx gstdctx.Context) error {
	var meter metric.Meter
	if i.cfg.MeterProvider != nil {
		meter = i.cfg.MeterProvider.Meter("granville-rpc")
	} else {
		meter = gstdctx.Meter(ctx)
	}

	var err error
	if i.serverDuration, err = meter.Float64Histogram("rpc.server.duration",
		metric.WithDescription("Duration of server calls in milliseconds"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if i.serverRequestCount, err = meter.Int64Counter("rpc.server.request_count",
		metric.WithDescription("Total number of server requests")); err != nil {
		return err
	}
	if i.cfg.RecordPayloadSize {
		if i.serverRequestSize, err = meter.Int64Histogram("rpc.server.request_size",
			metric.WithDescription("Size of server requests in bytes"), metric.WithUnit("By")); err != nil {
			return err
		}
		if i.serverResponseSize, err = meter.Int64Histogram("rpc.server.response_size",
			metric.WithDescription("Size of server responses in bytes"), metric.WithUnit("By")); err != nil {
			return err
		}
	}

	if i.clientDuration, err = meter.Float64Histogram("rpc.client.duration",
		metric.WithDescription("Duration of client calls in milliseconds"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if i.clientRequestCount, err = meter.Int64Counter("rpc.client.request_count",
		metric.WithDescription("Total number of client requests")); err != nil {
		return err
	}
	if i.cfg.RecordPayloadSize {
		if i.clientRequestSize, err = meter.Int64Histogram("rpc.client.request_size",
			metric.WithDescription("Size of client requests in bytes"), metric.WithUnit("By")); err != nil {
			return err
		}
		if i.clientResponseSize, err = meter.Int64Histogram("rpc.client.response_size",
			metric.WithDescription("Size of client responses in bytes"), metric.WithUnit("By")); err != nil {
			return err
		}
	}
	return nil
}

// UnaryServerInterceptor returns a server interceptor recording spans and
// metrics for each invocation.
func (i *Interceptor) UnaryServerInterceptor() interceptor.UnaryServerInterceptor {
	return func(ctx gstdctx.Context, req []byte, info *interceptor.UnaryServerInfo, handler interceptor.UnaryHandler) ([]byte, error) {
		method := info.MethodName
		start := time.Now()

		if i.cfg.EnableTracing {
			var sp span.Span
			ctx, sp = span.New(ctx, span.WithName(method), span.WithSpanStartOption(trace.WithSpanKind(trace.SpanKindServer)))
			defer sp.End()
			sp.Span.SetAttributes(
				attribute.String("rpc.system", "granville"),
				attribute.String("rpc.method", method),
				attribute.Int64("rpc.interface_id", int64(info.InterfaceID)),
				attribute.Int64("rpc.method_index", int64(info.MethodIndex)),
			)
		}

		if i.cfg.EnableMetrics && i.cfg.RecordPayloadSize && i.serverRequestSize != nil {
			i.serverRequestSize.Record(ctx, int64(len(req)), metric.WithAttributes(attribute.String("rpc_method", method)))
		}

		resp, err := handler(ctx, req)

		if i.cfg.EnableMetrics {
			duration := float64(time.Since(start).Milliseconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			attrs := metric.WithAttributes(attribute.String("rpc_method", method), attribute.String("rpc_status", status))
			i.serverDuration.Record(ctx, duration, attrs)
			i.serverRequestCount.Add(ctx, 1, attrs)
			if i.cfg.RecordPayloadSize && i.serverResponseSize != nil {
				i.serverResponseSize.Record(ctx, int64(len(resp)), metric.WithAttributes(attribute.String("rpc_method", method)))
			}
		}

		if err != nil {
			return resp, granerrors.E(granerrors.CatPeer, err)
		}
		return resp, nil
	}
}

// StreamServerInterceptor returns a stream server interceptor recording
// spans and metrics for each stream's lifetime.
func (i *Interceptor) StreamServerInterceptor() interceptor.StreamServerInterceptor {
	return func(ctx gstdctx.Context, stream interceptor.ServerStream, info *interceptor.StreamServerInfo, handler interceptor.StreamHandler) error {
		method := info.MethodName
		start := time.Now()

		if i.cfg.EnableTracing {
			var sp span.Span
			ctx, sp = span.New(ctx, span.WithName(method), span.WithSpanStartOption(trace.WithSpanKind(trace.SpanKindServer)))
			defer sp.End()
			sp.Span.SetAttributes(
				attribute.String("rpc.system", "granville"),
				attribute.String("rpc.method", method),
				attribute.Int64("rpc.interface_id", int64(info.InterfaceID)),
			)
		}

		err := handler(ctx, stream)

		if i.cfg.EnableMetrics {
			duration := float64(time.Since(start).Milliseconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			attrs := metric.WithAttributes(attribute.String("rpc_method", method), attribute.String("rpc_status", status))
			i.serverDuration.Record(ctx, duration, attrs)
			i.serverRequestCount.Add(ctx, 1, attrs)
		}

		if err != nil {
			return granerrors.E(granerrors.CatPeer, err)
		}
		return nil
	}
}

// UnaryClientInterceptor returns a client interceptor recording spans and
// metrics for each outgoing call.
func (i *Interceptor) UnaryClientInterceptor() interceptor.UnaryClientInterceptor {
	return func(ctx gstdctx.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
		start := time.Now()

		if i.cfg.EnableTracing {
			var sp span.Span
			ctx, sp = span.New(ctx, span.WithName(method), span.WithSpanStartOption(trace.WithSpanKind(trace.SpanKindClient)))
			defer sp.End()
			sp.Span.SetAttributes(attribute.String("rpc.system", "granville"), attribute.String("rpc.method", method))
			if i.cfg.RecordPayloadSize {
				sp.Span.SetAttributes(attribute.Int("rpc.request.size", len(req)))
			}
		}

		if i.cfg.EnableMetrics && i.cfg.RecordPayloadSize && i.clientRequestSize != nil {
			i.clientRequestSize.Record(ctx, int64(len(req)), metric.WithAttributes(attribute.String("rpc_method", method)))
		}

		resp, err := invoker(ctx, req)

		if i.cfg.EnableMetrics {
			duration := float64(time.Since(start).Milliseconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			attrs := metric.WithAttributes(attribute.String("rpc_method", method), attribute.String("rpc_status", status))
			i.clientDuration.Record(ctx, duration, attrs)
			i.clientRequestCount.Add(ctx, 1, attrs)
			if i.cfg.RecordPayloadSize && i.clientResponseSize != nil {
				i.clientResponseSize.Record(ctx, int64(len(resp)), metric.WithAttributes(attribute.String("rpc_method", method)))
			}
		}

		if err != nil {
			return resp, granerrors.E(granerrors.CatTransport, err)
		}
		return resp, nil
	}
}

// StreamClientInterceptor returns a stream client interceptor recording
// spans and metrics for stream creation.
func (i *Interceptor) StreamClientInterceptor() interceptor.StreamClientInterceptor {
	return func(ctx gstdctx.Context, method string, streamer interceptor.ClientStreamer) (interceptor.ClientStream, error) {
		start := time.Now()

		if i.cfg.EnableTracing {
			var sp span.Span
			ctx, sp = span.New(ctx, span.WithName(method), span.WithSpanStartOption(trace.WithSpanKind(trace.SpanKindClient)))
			defer sp.End()
			sp.Span.SetAttributes(attribute.String("rpc.system", "granville"), attribute.String("rpc.method", method))
		}

		stream, err := streamer(ctx)

		if i.cfg.EnableMetrics {
			duration := float64(time.Since(start).Milliseconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			attrs := metric.WithAttributes(attribute.String("rpc_method", method), attribute.String("rpc_status", status))
			i.clientDuration.Record(ctx, duration, attrs)
			i.clientRequestCount.Add(ctx, 1, attrs)
		}

		if err != nil {
			return nil, granerrors.E(granerrors.CatTransport, err)
		}
		return stream, nil
	}
}

// NewServerInterceptors builds both server interceptor kinds from cfg.
func NewServerInterceptors(ctx gstdctx.Context, cfg Config) (interceptor.UnaryServerInterceptor, interceptor.StreamServerInterceptor, error) {
	i, err := New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return i.UnaryServerInterceptor(), i.StreamServerInterceptor(), nil
}

// NewClientInterceptors builds both client interceptor kinds from cfg.
func NewClientInterceptors(ctx gstdctx.Context, cfg Config) (interceptor.UnaryClientInterceptor, interceptor.StreamClientInterceptor, error) {
	i, err := New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return i.UnaryClientInterceptor(), i.StreamClientInterceptor(), nil
}
