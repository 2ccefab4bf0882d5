package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"pipe-rpc/message"
)

// RateLimit admits r requests per second with the given burst (token bucket)
// and fails the rest with ErrRateLimited.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
