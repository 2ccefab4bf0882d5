package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"pipe-rpc/message"
)

// Retryable reports whether err is worth another attempt: timeouts and errors
// that declare themselves temporary.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tmp interface{ Temporary() bool }
	return errors.As(err, &tmp) && tmp.Temporary()
}

// Retry re-runs a handler that failed with a retryable error, up to
// maxRetries more times with exponential backoff starting at baseDelay.
func Retry(maxRetries int, baseDelay time.Duration, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			result, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				logger.Debug().Err(err).Int("attempt", i+1).Str("type", req.Type).Msg("retrying request")
				select {
				case <-ctx.Done():
					return nil, err
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}
