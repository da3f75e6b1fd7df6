package middleware

import (
	"context"
	"errors"
	"time"
)

// ErrHandlerTimeout is returned by a handler wrapped with TimeOutMiddleware
// when it doesn't complete before the configured deadline.
var ErrHandlerTimeout = errors.New("middleware: handler timed out")

// TimeOutMiddleware enforces a maximum duration for the wrapped handler.
// The handler goroutine is not cancelled when the timeout fires — it keeps
// running in the background — so a handler that wants real cancellation
// must watch ctx.Done() itself; this middleware only controls how long the
// caller waits.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, name string, body []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp []byte
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, name, body)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
