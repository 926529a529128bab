// Package ratelimit provides a token-bucket rate-limiting server
// interceptor. invoke.Engine does not install it; an embedder that runs
// server interceptors adds it as an admission-control step (spec.md §4.5
// "Overloaded"). Adapted from the teacher's rpc/interceptor/ratelimit,
// rekeyed from "package/service/method" RPC info to (interface_id,
// method_name), and returning granerrors.E(CatOverloaded, ...) instead of a
// bare sentinel so callers can classify it the same way as invoke.Engine's
// full-queue refusal.
package ratelimit

import (
	"strconv"
	"time"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/interceptor"
)

// KeyFunc extracts a rate-limiting key from server call info. Requests
// sharing a key share a limit.
type KeyFunc func(info *interceptor.UnaryServerInfo) string

// ByMethod limits by "interface_id/method".
func ByMethod() KeyFunc {
	return func(info *interceptor.UnaryServerInfo) string {
		return pattern(info)
	}
}

// ByClient limits by a metadata key value (e.g. a client id or API key).
func ByClient(metadataKey string) KeyFunc {
	return func(info *interceptor.UnaryServerInfo) string {
		return info.Metadata.GetString(metadataKey)
	}
}

// ByMethodAndClient limits by "interface_id/method:clientValue".
func ByMethodAndClient(metadataKey string) KeyFunc {
	return func(info *interceptor.UnaryServerInfo) string {
		return pattern(info) + ":" + info.Metadata.GetString(metadataKey)
	}
}

func pattern(info *interceptor.UnaryServerInfo) string {
	if info == nil {
		return "unknown"
	}
	return strconv.FormatUint(uint64(info.InterfaceID), 10) + "/" + info.MethodName
}

// Config configures a Limiter.
type Config struct {
	// Rate is the number of requests allowed per second, per key.
	Rate float64
	// Burst is the maximum burst size, per key.
	Burst int
	// KeyFunc extracts the limiting key. If nil, all calls share one bucket.
	KeyFunc KeyFunc
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// Limiter implements per-key token-bucket rate limiting.
type Limiter struct {
	rate    float64
	burst   int
	keyFunc KeyFunc

	mu      basesync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter. Rate defaults to 100 req/s, Burst to 10.
func New(cfg Config) *Limiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(*interceptor.UnaryServerInfo) string { return "" }
	}
	return &Limiter{rate: cfg.Rate, burst: cfg.Burst, keyFunc: cfg.KeyFunc, buckets: make(map[string]*bucket)}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastUpdate: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// UnaryServerInterceptor returns an interceptor admitting calls per the
// configured rate, returning a CatOverloaded error for refused calls.
func (l *Limiter) UnaryServerInterceptor() interceptor.UnaryServerInterceptor {
	return func(ctx gstdctx.Context, req []byte, info *interceptor.UnaryServerInfo, handler interceptor.UnaryHandler) ([]byte, error) {
		if !l.allow(l.keyFunc(info)) {
			return nil, granerrors.E(granerrors.CatOverloaded, errRateLimited)
		}
		return handler(ctx, req)
	}
}

var errRateLimited = rateLimitedErr{}

type rateLimitedErr struct{}

func (rateLimitedErr) Error() string { return "rate limited" }

// Cleanup evicts buckets idle longer than maxAge, bounding memory growth
// from a long tail of distinct keys. Call periodically.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for key, b := range l.buckets {
		if b.lastUpdate.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stats returns the number of tracked keys.
func (l *Limiter) Stats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
