// Package middleware wraps request handlers with cross-cutting behaviour.
//
// Chain(A, B, C)(h) builds A(B(C(h))): A runs first on the way in and last
// on the way out.
package middleware

import (
	"context"
	"errors"

	"pipe-rpc/message"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// HandlerFunc handles one request. The returned value is serialized into the
// response; a non-nil error is sent back instead.
type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
