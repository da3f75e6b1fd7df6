package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware records the protocol name, duration, and any error for
// each dispatched call. It captures the start time before calling next and
// logs the elapsed time after next returns.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, name string, body []byte) ([]byte, error) {
			start := time.Now()

			resp, err := next(ctx, name, body)

			fields := []zap.Field{
				zap.String("protocol", name),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("handler returned error", append(fields, zap.Error(err))...)
			} else {
				log.Debug("handler completed", fields...)
			}
			return resp, err
		}
	}
}
