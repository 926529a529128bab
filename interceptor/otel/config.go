// Package otel provides OpenTelemetry tracing and metrics interceptors,
// carried as ambient observability even though spec.md names no telemetry
// component (SPEC_FULL.md §6). Adapted from the teacher's
// rpc/interceptor/otel, rekeyed from msgs.Metadata/"package/service/method"
// to metadata.MD and the method name this runtime's manifest already
// carries.
package otel

import (
	"net"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/granville/rpc/metadata"
)

// Config configures the OTEL interceptors.
type Config struct {
	// EnableTracing enables distributed tracing. Default true.
	EnableTracing bool
	// EnableMetrics enables metrics collection. Default true.
	EnableMetrics bool
	// MeterProvider supplies the meter; if nil, gstdctx.Meter(ctx) is used.
	MeterProvider metric.MeterProvider
	// RecordPayloadSize records request/response byte sizes. Default true.
	RecordPayloadSize bool
	// TraceRules holds rules that TraceRules.ShouldTrace evaluates. New
	// compiles them, but the interceptors in this package do not consult
	// them, so they do not change which calls are traced.
	TraceRules *TraceRules
}

// DefaultConfig returns a Config with tracing, metrics, and payload-size
// recording all enabled.
func DefaultConfig() Config {
	return Config{EnableTracing: true, EnableMetrics: true, RecordPayloadSize: true}
}

// TraceRules defines conditions under which a call is always traced.
type TraceRules struct {
	// IPRanges are CIDR blocks that should always be traced.
	IPRanges []string
	// Metadata specifies key/value pairs that trigger tracing ("*" matches
	// any value for that key).
	Metadata map[string]string
	// Methods are specific method names to always trace.
	Methods []string

	cidrs []*net.IPNet
}

func (r *TraceRules) compile() error {
	if r == nil {
		return nil
	}
	r.cidrs = make([]*net.IPNet, 0, len(r.IPRanges))
	for _, cidr := range r.IPRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return err
		}
		r.cidrs = append(r.cidrs, network)
	}
	return nil
}

func (r *TraceRules) matchesIP(ipStr string) bool {
	if r == nil || len(r.cidrs) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range r.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (r *TraceRules) matchesMetadata(md metadata.MD) bool {
	if r == nil || len(r.Metadata) == 0 {
		return false
	}
	for key, want := range r.Metadata {
		if v, ok := md[key]; ok {
			if want == "*" || want == string(v) {
				return true
			}
		}
	}
	return false
}

func (r *TraceRules) matchesMethod(method string) bool {
	if r == nil || len(r.Methods) == 0 {
		return false
	}
	for _, m := range r.Methods {
		if m == method || strings.HasSuffix(method, "/"+m) {
			return true
		}
	}
	return false
}

// ShouldTrace reports whether any rule matches the given call.
func (r *TraceRules) ShouldTrace(ip, method string, md metadata.MD) bool {
	if r == nil {
		return false
	}
	return r.matchesIP(ip) || r.matchesMethod(method) || r.matchesMetadata(md)
}
