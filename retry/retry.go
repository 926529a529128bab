// Package retry provides a retrying client interceptor (spec.md names no
// retry component; applied here to C6/C7 call dispatch as an optional,
// off-by-default interceptor — see interceptor.UnaryClientInterceptor).
// Adapted from the teacher's rpc/retry, with isRetryable reclassified
// against this runtime's granerrors.Category taxonomy instead of the
// teacher's msgs.ErrCode string matching.
package retry

import (
	"time"

	gstdctx "github.com/gostdlib/base/context"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/interceptor"
)

// Policy configures retry behavior for a client call.
type Policy struct {
	// MaxAttempts is the maximum number of retries after the first attempt.
	// 0 means no retry.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Retryable overrides the default Category-based retry check.
	Retryable func(err error) bool
}

// DefaultPolicy returns a sensible default: 2 retries, 100ms initial
// backoff, 5s cap, 2x multiplier.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 2, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, Multiplier: 2.0}
}

// UnaryClientInterceptor returns a client interceptor retrying failed calls
// per policy. A zero-value Policy disables retry.
func UnaryClientInterceptor(policy Policy) interceptor.UnaryClientInterceptor {
	if policy.MaxAttempts <= 0 {
		return func(ctx gstdctx.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
			return invoker(ctx, req)
		}
	}

	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	return func(ctx gstdctx.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
		var lastErr error
		backoff := policy.InitialBackoff

		for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
			resp, err := invoker(ctx, req)
			if err == nil {
				return resp, nil
			}
			if !retryable(err) {
				return nil, err
			}
			lastErr = err

			if attempt < policy.MaxAttempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff = time.Duration(float64(backoff) * policy.Multiplier)
				if backoff > policy.MaxBackoff {
					backoff = policy.MaxBackoff
				}
			}
		}
		return nil, lastErr
	}
}

// IsRetryable applies the default retry classification: transport and
// disconnection errors (the connection can plausibly be re-established or
// rerouted by C7) are retryable; routing, lookup, peer, timeout, and
// cancellation errors are not, since retrying them would repeat the same
// failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case granerrors.Is(err, granerrors.CatTransport),
		granerrors.Is(err, granerrors.CatDisconnected),
		granerrors.Is(err, granerrors.CatOverloaded):
		return true
	default:
		return false
	}
}
