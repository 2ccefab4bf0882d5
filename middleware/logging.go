package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pipe-rpc/message"
)

// Logging records type, correlation id, duration, and outcome of each request.
func Logging(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev.Str("type", req.Type).
				Str("id", req.ID).
				Bool("no_reply", req.NoReply).
				Dur("duration", time.Since(start)).
				Msg("request handled")
			return result, err
		}
	}
}
