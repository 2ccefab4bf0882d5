// Package config loads pipe-rpc settings from a TOML or YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"pipe-rpc/client"
	"pipe-rpc/logging"
	"pipe-rpc/middleware"
	"pipe-rpc/registry"
	"pipe-rpc/server"
	"pipe-rpc/transport"
)

const (
	EnvName          = "PIPERPC_NAME"
	EnvSocketDir     = "PIPERPC_SOCKET_DIR"
	EnvEtcdEndpoints = "PIPERPC_ETCD_ENDPOINTS"
)

// Duration is a time.Duration written as a string ("250ms", "2s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the top-level file layout.
type Config struct {
	// Rendezvous name shared by server and clients.
	Name      string         `toml:"name" yaml:"name"`
	SocketDir string         `toml:"socket_dir" yaml:"socket_dir"`
	Client    ClientConfig   `toml:"client" yaml:"client"`
	Server    ServerConfig   `toml:"server" yaml:"server"`
	Log       LogConfig      `toml:"log" yaml:"log"`
	Registry  RegistryConfig `toml:"registry" yaml:"registry"`
}

type ClientConfig struct {
	ReconnectInitial    Duration `toml:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax        Duration `toml:"reconnect_max" yaml:"reconnect_max"`
	ReconnectMultiplier float64  `toml:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	ReconnectJitter     bool     `toml:"reconnect_jitter" yaml:"reconnect_jitter"`
	StartupGrace        Duration `toml:"startup_grace" yaml:"startup_grace"`
	DialTimeout         Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout        Duration `toml:"write_timeout" yaml:"write_timeout"`
	// Zero waits for responses forever.
	CallTimeout Duration `toml:"call_timeout" yaml:"call_timeout"`
}

type ServerConfig struct {
	RelistenDelay  Duration `toml:"relisten_delay" yaml:"relisten_delay"`
	WriteTimeout   Duration `toml:"write_timeout" yaml:"write_timeout"`
	HandlerTimeout Duration `toml:"handler_timeout" yaml:"handler_timeout"`
	// Requests per second; zero disables rate limiting.
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" yaml:"rate_burst"`
	// Extra attempts for handlers failing with a retryable error.
	Retries    int      `toml:"retries" yaml:"retries"`
	RetryDelay Duration `toml:"retry_delay" yaml:"retry_delay"`
}

type LogConfig struct {
	Level     string `toml:"level" yaml:"level"`
	JSON      bool   `toml:"json" yaml:"json"`
	NoColor   bool   `toml:"no_color" yaml:"no_color"`
	Timestamp *bool  `toml:"timestamp" yaml:"timestamp"`
}

type RegistryConfig struct {
	// Empty means names resolve to sockets in SocketDir.
	Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	TTL         int64    `toml:"ttl" yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Name: "pipe-rpc",
		Client: ClientConfig{
			ReconnectInitial:    Duration{client.DefaultReconnectPolicy.InitialDelay},
			ReconnectMax:        Duration{client.DefaultReconnectPolicy.MaxDelay},
			ReconnectMultiplier: client.DefaultReconnectPolicy.Multiplier,
			StartupGrace:        Duration{client.DefaultStartupGrace},
			DialTimeout:         Duration{client.DefaultDialTimeout},
		},
		Server: ServerConfig{
			RelistenDelay: Duration{server.DefaultRelistenDelay},
			RetryDelay:    Duration{50 * time.Millisecond},
		},
		Registry: RegistryConfig{
			DialTimeout: Duration{5 * time.Second},
			TTL:         10,
		},
	}
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateName checks that name can be used as a socket file name.
func ValidateName(name string) error {
	if name == "" || !validName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("endpoint name must be non-empty and contain only letters, digits, '.', '-' or '_', got: %q", name)
	}
	return nil
}

// Load reads path, applies environment variable overrides, and validates the
// result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case ".toml", "":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}

	if name := os.Getenv(EnvName); name != "" {
		cfg.Name = name
	}
	if dir := os.Getenv(EnvSocketDir); dir != "" {
		cfg.SocketDir = dir
	}
	if eps := os.Getenv(EnvEtcdEndpoints); eps != "" {
		cfg.Registry.Endpoints = splitList(eps)
	}

	if err := ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// OpenRegistry connects to etcd when endpoints are configured. It returns
// nil, nil otherwise.
func (c *Config) OpenRegistry() (*registry.EtcdRegistry, error) {
	if len(c.Registry.Endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(c.Registry.Endpoints, c.Registry.DialTimeout.Duration)
}

func (c *Config) ReconnectPolicy() transport.Policy {
	return transport.Policy{
		InitialDelay: c.Client.ReconnectInitial.Duration,
		Multiplier:   c.Client.ReconnectMultiplier,
		MaxDelay:     c.Client.ReconnectMax.Duration,
		Jitter:       c.Client.ReconnectJitter,
	}
}

// ClientOptions maps the file onto client options. reg may be nil.
func (c *Config) ClientOptions(reg client.Resolver) []client.Option {
	opts := []client.Option{
		client.WithSocketDir(c.SocketDir),
		client.WithReconnectPolicy(c.ReconnectPolicy()),
		client.WithStartupGrace(c.Client.StartupGrace.Duration),
		client.WithDialTimeout(c.Client.DialTimeout.Duration),
		client.WithWriteTimeout(c.Client.WriteTimeout.Duration),
		client.WithCallTimeout(c.Client.CallTimeout.Duration),
	}
	if reg != nil {
		opts = append(opts, client.WithResolver(reg))
	}
	return opts
}

// ServerOptions maps the file onto server options. reg may be nil.
func (c *Config) ServerOptions(reg registry.Registry) []server.Option {
	opts := []server.Option{
		server.WithSocketDir(c.SocketDir),
		server.WithRelistenPolicy(transport.FixedPolicy(c.Server.RelistenDelay.Duration)),
		server.WithWriteTimeout(c.Server.WriteTimeout.Duration),
	}
	if reg != nil {
		opts = append(opts, server.WithRegistry(reg, c.Registry.TTL))
	}
	return opts
}

// Middlewares returns the dispatch middlewares the server section asks for,
// outermost first.
func (c *Config) Middlewares(logger zerolog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.Recover(), middleware.Logging(logger)}
	if c.Server.RateLimit > 0 {
		burst := c.Server.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimit(c.Server.RateLimit, burst))
	}
	if c.Server.Retries > 0 {
		mws = append(mws, middleware.Retry(c.Server.Retries, c.Server.RetryDelay.Duration, logger))
	}
	if c.Server.HandlerTimeout.Duration > 0 {
		mws = append(mws, middleware.Timeout(c.Server.HandlerTimeout.Duration))
	}
	return mws
}

// Logging returns the runtime logging profile adjusted by the log section.
// Environment variables still take precedence.
func (c *Config) Logging() (logging.Config, error) {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if c.Log.Level != "" {
		lvl, ok := logging.ParseLevel(c.Log.Level)
		if !ok {
			return cfg, fmt.Errorf("unknown log level %q", c.Log.Level)
		}
		cfg.Level = lvl
	}
	cfg.JSON = c.Log.JSON
	cfg.NoColor = cfg.NoColor || c.Log.NoColor
	if c.Log.Timestamp != nil {
		cfg.Timestamp = *c.Log.Timestamp
	}
	logging.ApplyEnvOverrides(&cfg)
	return cfg, nil
}
