package middleware

import (
	"context"
	"fmt"

	"pipe-rpc/message"
)

// Recover turns a handler panic into an ordinary handler error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result, err = nil, fmt.Errorf("handler %s panicked: %v", req.Type, r)
				}
			}()
			return next(ctx, req)
		}
	}
}
