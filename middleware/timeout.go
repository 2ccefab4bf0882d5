package middleware

import (
	"context"
	"time"

	"pipe-rpc/message"
)

type outcome struct {
	result any
	err    error
}

// Timeout fails a request with ErrTimeout when the handler runs longer than
// timeout. The handler's context is cancelled at the same moment.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
