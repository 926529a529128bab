// Package hedge provides hedging (speculative retry) for client calls:
// sending the same request to multiple in-flight attempts and using
// whichever completes first, reducing tail latency. Disabled by default
// (spec.md names no hedge component; this mirrors the teacher's own
// "hedging is disabled by default" stance — see rpc/hedge). Adapted to
// reclassify fatal errors against granerrors.Category instead of the
// teacher's msgs.ErrCode string matching.
package hedge

import (
	"time"

	gstdctx "github.com/gostdlib/base/context"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/interceptor"
)

// Policy configures hedging. The zero value disables hedging.
type Policy struct {
	// MaxHedgedRequests is the number of additional speculative requests
	// beyond the original. 0 disables hedging.
	MaxHedgedRequests int

	// HedgeDelay is how long to wait before sending each hedge.
	HedgeDelay time.Duration

	// NonFatalCategories overrides which error categories don't immediately
	// fail the hedge. If nil, the default classification in isFatal applies.
	NonFatalCategories []granerrors.Category
}

// DefaultPolicy returns 1 hedge at a 50ms delay.
func DefaultPolicy() Policy {
	return Policy{MaxHedgedRequests: 1, HedgeDelay: 50 * time.Millisecond}
}

type result struct {
	resp []byte
	err  error
}

// UnaryClientInterceptor returns a client interceptor hedging calls per
// policy. A zero-value Policy passes calls through unhedged.
func UnaryClientInterceptor(policy Policy) interceptor.UnaryClientInterceptor {
	if policy.MaxHedgedRequests <= 0 {
		return func(ctx gstdctx.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
			return invoker(ctx, req)
		}
	}

	return func(ctx gstdctx.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
		totalRequests := policy.MaxHedgedRequests + 1
		results := make(chan result, totalRequests)

		hedgeCtx, cancel := gstdctx.WithCancel(ctx)
		defer cancel()

		pool := gstdctx.Pool(ctx)
		pool.Submit(ctx, func() {
			resp, err := invoker(hedgeCtx, req)
			select {
			case results <- result{resp, err}:
			case <-hedgeCtx.Done():
			}
		})

		for i := 0; i < policy.MaxHedgedRequests; i++ {
			delay := policy.HedgeDelay * time.Duration(i+1)
			pool.Submit(ctx, func() {
				select {
				case <-hedgeCtx.Done():
					return
				case <-time.After(delay):
				}
				select {
				case <-hedgeCtx.Done():
					return
				default:
				}
				resp, err := invoker(hedgeCtx, req)
				select {
				case results <- result{resp, err}:
				case <-hedgeCtx.Done():
				}
			})
		}

		var lastErr error
		received := 0
		for received < totalRequests {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case r := <-results:
				received++
				if r.err == nil {
					cancel()
					return r.resp, nil
				}
				if isFatal(r.err, policy.NonFatalCategories) {
					cancel()
					return nil, r.err
				}
				lastErr = r.err
			}
		}
		return nil, lastErr
	}
}

// isFatal returns true if err should immediately fail the hedge without
// waiting on the remaining speculative attempts.
func isFatal(err error, nonFatal []granerrors.Category) bool {
	if err == nil {
		return false
	}
	if granerrors.Is(err, granerrors.CatCanceled) || granerrors.Is(err, granerrors.CatTimeout) {
		return true
	}

	if len(nonFatal) > 0 {
		for _, cat := range nonFatal {
			if granerrors.Is(err, cat) {
				return false
			}
		}
		return true
	}

	// Default: everything but Canceled/Timeout is non-fatal — a hedge is
	// specifically meant to paper over one slow or failing attempt.
	return false
}
