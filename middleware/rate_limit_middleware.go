package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by a handler wrapped with RateLimitMiddleware
// once its token bucket is empty.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware bounds how often the wrapped handler runs using a
// token-bucket limiter: tokens refill at r per second up to burst, and each
// dispatched call consumes one. Unlike a leaky bucket (constant drain
// rate), a token bucket tolerates short bursts — a better fit for RPC
// traffic than a strict rate cap.
//
// The limiter is built once in the outer closure, not per call — sharing
// one bucket across every call is the point; a fresh bucket per call would
// never throttle anything.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, name string, body []byte) ([]byte, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, name, body)
		}
	}
}
