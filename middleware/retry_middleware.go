package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryMiddleware retries a handler invocation with exponential backoff
// when it fails with a transient-looking error (a timeout or a connection
// refusal). Any other error is returned immediately without retrying.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, name string, body []byte) ([]byte, error) {
			resp, err := next(ctx, name, body)
			for i := 0; i < maxRetries; i++ {
				if err == nil {
					return resp, nil
				}
				if !isTransient(err) {
					return resp, err
				}
				log.Debug("retrying handler", zap.String("protocol", name), zap.Int("attempt", i+1), zap.Error(err))
				time.Sleep(baseDelay * time.Duration(1<<i))
				resp, err = next(ctx, name, body)
			}
			return resp, err
		}
	}
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused")
}
