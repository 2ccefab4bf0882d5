package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pipe-rpc/client"
	"pipe-rpc/config"
	"pipe-rpc/logging"
	"pipe-rpc/message"
	"pipe-rpc/server"
)

var (
	configFlag   string
	logLevelFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pipectl",
		Short:         "Serve and call pipe-rpc endpoints on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (.toml or .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
		notifyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "[pipectl]", err)
		os.Exit(1)
	}
}

// load reads the config file and installs the logger it describes. A name
// argument overrides the configured one.
func load(args []string) (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := config.ValidateName(args[0]); err != nil {
			return nil, err
		}
		cfg.Name = args[0]
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	lc, err := cfg.Logging()
	if err != nil {
		return nil, err
	}
	logging.Apply(lc)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func parseBody(args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	if !json.Valid([]byte(args[0])) {
		return nil, fmt.Errorf("body is not valid JSON: %s", args[0])
	}
	return json.RawMessage(args[0]), nil
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve [NAME]",
		Short: "Run a server with echo, ping and log handlers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args)
			if err != nil {
				return err
			}
			logger := logging.Component("pipectl")

			opts := cfg.ServerOptions(nil)
			reg, err := cfg.OpenRegistry()
			if err != nil {
				return fmt.Errorf("connecting to registry: %w", err)
			}
			if reg != nil {
				defer reg.Close()
				opts = cfg.ServerOptions(reg)
			}
			opts = append(opts, server.WithOnError(func(err error) {
				logger.Warn().Err(err).Msg("listener failed, relistening")
			}))

			s := server.NewServer(cfg.Name, opts...)
			for _, mw := range cfg.Middlewares(logger) {
				s.Use(mw)
			}
			s.Handle("echo", func(ctx context.Context, req *message.Request) (any, error) {
				return json.RawMessage(req.Body), nil
			})
			s.Handle("ping", func(ctx context.Context, req *message.Request) (any, error) {
				return "pong", nil
			})
			s.Handle("log", func(ctx context.Context, req *message.Request) (any, error) {
				ev := logger.Info()
				if len(req.Body) > 0 {
					ev = ev.RawJSON("body", req.Body)
				}
				ev.Msg("log request")
				return nil, nil
			})

			ctx, stop := signalContext()
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- s.Serve(context.Background()) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			logger.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.Shutdown(sctx); err != nil {
				return err
			}
			return <-errc
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Time allowed for in-flight requests on shutdown")
	return cmd
}

// newClient builds a client from the config, resolving through etcd when
// endpoints are configured.
func newClient(cfg *config.Config) (*client.Client, func(), error) {
	reg, err := cfg.OpenRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to registry: %w", err)
	}
	var resolver client.Resolver
	if reg != nil {
		resolver = reg
	}
	c := client.New(cfg.Name, cfg.ClientOptions(resolver)...)
	cleanup := func() {
		c.Close()
		if reg != nil {
			reg.Close()
		}
	}
	return c, cleanup, nil
}

// ---------------------------------------------------------------------------
// callCmd
// ---------------------------------------------------------------------------

func callCmd() *cobra.Command {
	var (
		timeout time.Duration
		repeat  int
	)
	cmd := &cobra.Command{
		Use:   "call NAME TYPE [JSON]",
		Short: "Call a handler and print its result",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args[:1])
			if err != nil {
				return err
			}
			body, err := parseBody(args[2:])
			if err != nil {
				return err
			}
			c, cleanup, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var mu sync.Mutex
			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < max(repeat, 1); i++ {
				g.Go(func() error {
					raw, err := c.Go(args[1], body).Wait(ctx)
					if err != nil {
						var rerr *client.RemoteError
						if errors.As(err, &rerr) {
							return fmt.Errorf("%s failed: %s", args[1], rerr.Value)
						}
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					if raw == nil {
						raw = json.RawMessage("null")
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(raw))
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Give up after this long")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "Number of concurrent calls")
	return cmd
}

// ---------------------------------------------------------------------------
// notifyCmd
// ---------------------------------------------------------------------------

func notifyCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "notify NAME TYPE [JSON]",
		Short: "Send a fire-and-forget request",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args[:1])
			if err != nil {
				return err
			}
			body, err := parseBody(args[2:])
			if err != nil {
				return err
			}
			c, cleanup, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			// Wait for the connection so the request is not dropped on exit.
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := c.WaitConnected(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", cfg.Name, err)
			}
			if err := c.Notify(args[1], body); err != nil {
				return err
			}
			log.Debug().Str("type", args[1]).Msg("notification sent")
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Give up connecting after this long")
	return cmd
}
