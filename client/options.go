package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pipe-rpc/codec"
	"pipe-rpc/registry"
	"pipe-rpc/transport"
)

const (
	// DefaultStartupGrace is how long after New connection errors are
	// treated as startup races and swallowed.
	DefaultStartupGrace = 2 * time.Second
	DefaultDialTimeout  = time.Second
)

// DefaultReconnectPolicy starts at 100ms and doubles up to one second.
var DefaultReconnectPolicy = transport.Policy{
	InitialDelay: 100 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     time.Second,
}

// Resolver maps a rendezvous name to the socket currently serving it.
// A Resolver that also implements registry.Watcher lets the client drop a
// connection as soon as the name moves elsewhere.
type Resolver interface {
	Resolve(ctx context.Context, name string) (registry.Endpoint, error)
}

type options struct {
	socketDir    string
	resolver     Resolver
	reconnect    transport.Policy
	startupGrace time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	callTimeout  time.Duration
	onError      func(error)
	onClose      func()
	codec        codec.Codec
	logger       zerolog.Logger
}

func defaultOptions() options {
	return options{
		reconnect:    DefaultReconnectPolicy,
		startupGrace: DefaultStartupGrace,
		dialTimeout:  DefaultDialTimeout,
		codec:        codec.Default(),
		logger:       log.Logger,
	}
}

type Option func(*options)

// WithSocketDir sets the directory holding the server's socket.
func WithSocketDir(dir string) Option {
	return func(o *options) { o.socketDir = dir }
}

// WithResolver looks the name up before every connect attempt instead of
// deriving the socket path locally.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithReconnectPolicy(p transport.Policy) Option {
	return func(o *options) { o.reconnect = p }
}

// WithStartupGrace sets the window, measured from New, during which
// connection errors are not reported.
func WithStartupGrace(d time.Duration) Option {
	return func(o *options) { o.startupGrace = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithCallTimeout rejects calls that stay unanswered for d with
// ErrCallTimeout. Zero, the default, waits forever.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithOnError installs a hook for connection errors past the startup grace.
// Without it, the first such error terminates the client.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithOnClose installs a hook called each time an established connection
// closes.
func WithOnClose(fn func()) Option {
	return func(o *options) { o.onClose = fn }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
