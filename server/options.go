package server

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pipe-rpc/codec"
	"pipe-rpc/registry"
	"pipe-rpc/transport"
)

// DefaultRelistenDelay is the pause before a failed listener is recreated.
const DefaultRelistenDelay = time.Second

type options struct {
	socketDir    string
	relisten     transport.Policy
	onError      func(error)
	onClose      func()
	registry     registry.Registry
	registryTTL  int64
	writeTimeout time.Duration
	codec        codec.Codec
	logger       zerolog.Logger
}

func defaultOptions() options {
	return options{
		relisten:    transport.FixedPolicy(DefaultRelistenDelay),
		registryTTL: 10,
		codec:       codec.Default(),
		logger:      log.Logger,
	}
}

// Option configures a Server.
type Option func(*options)

// WithSocketDir sets the directory holding the socket. Defaults to os.TempDir().
func WithSocketDir(dir string) Option {
	return func(o *options) { o.socketDir = dir }
}

// WithRelistenPolicy sets the delay between listener recreation attempts.
func WithRelistenPolicy(p transport.Policy) Option {
	return func(o *options) { o.relisten = p }
}

// WithOnError installs a hook for listener failures. With a hook installed,
// Serve keeps relistening instead of returning the error.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithOnClose installs a hook called whenever the listener closes outside of
// shutdown.
func WithOnClose(fn func()) Option {
	return func(o *options) { o.onClose = fn }
}

// WithRegistry publishes the socket path under the server's name each time a
// listener comes up.
func WithRegistry(reg registry.Registry, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		if ttl > 0 {
			o.registryTTL = ttl
		}
	}
}

// WithWriteTimeout bounds each response write. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
