// Package server implements the pipe-rpc dispatch engine: named handlers,
// a middleware chain, a self-healing listener, and graceful shutdown.
//
// Request processing pipeline:
//
//	Listen(name) → Accept conn → handleConn (single goroutine reads frames)
//	  → for each request frame: go dispatch (parallel processing)
//	    → DecodeRequest → lookup handler → Middleware Chain → handler → EncodeResponse → write response
//
// A failure inside one connection never reaches the listener or other
// connections. A listener failure is reported through OnError and the
// listener is recreated after the relisten delay.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"pipe-rpc/message"
	"pipe-rpc/middleware"
	"pipe-rpc/protocol"
	"pipe-rpc/registry"
	"pipe-rpc/transport"
)

var errUnknownType = errors.New("no handler registered")

// Server dispatches requests arriving on a named local socket.
type Server struct {
	name string
	opts options

	mu          sync.RWMutex
	handlers    map[string]middleware.HandlerFunc // "echo" → handler; last registration wins
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // Chain(middlewares...)(businessHandler), built in Serve

	lnMu     sync.Mutex
	listener net.Listener
	path     string
	conns    map[*transport.Conn]struct{}

	inflight sync.WaitGroup // Running handlers
	connWG   sync.WaitGroup // Connection read loops
	shutdown atomic.Bool
	serving  atomic.Bool
}

// NewServer creates a server for the given rendezvous name.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		name:     name,
		opts:     defaultOptions(),
		handlers: make(map[string]middleware.HandlerFunc),
		conns:    make(map[*transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.opts.logger = s.opts.logger.With().Str("component", "server").Str("name", name).Logger()
	s.handler = s.businessHandler
	return s
}

// Handle registers h for requests of type typ, replacing any earlier handler
// for the same type. It panics on a type that cannot be framed.
func (s *Server) Handle(typ string, h middleware.HandlerFunc) *Server {
	if err := message.ValidateType(typ); err != nil {
		panic(err)
	}
	if h == nil {
		panic("server: nil handler for " + typ)
	}
	s.mu.Lock()
	s.handlers[typ] = h
	s.mu.Unlock()
	return s
}

// Use registers a middleware. Middlewares apply in the order they are added
// and must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) *Server {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
	return s
}

// Path returns the socket path the server listens on, once Serve has started.
func (s *Server) Path() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	return s.path
}

func (s *Server) lookup(typ string) (middleware.HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[typ]
	return h, ok
}

// Serve listens on the server's name and dispatches requests until ctx is
// cancelled or Shutdown is called.
//
// When the listener fails, OnError and OnClose fire and a new listener is
// created after the relisten delay. Without an OnError hook the failure is
// returned instead. Serve returns nil after Shutdown and ctx.Err() after
// cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("server: Serve called twice")
	}

	s.mu.Lock()
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	s.mu.Unlock()

	path := transport.SocketPath(s.opts.socketDir, s.name)
	s.lnMu.Lock()
	s.path = path
	s.lnMu.Unlock()

	// Close the listener when ctx is cancelled so Accept unblocks.
	stop := context.AfterFunc(ctx, func() {
		s.closeListener()
		s.closeConns()
	})
	defer stop()

	attempt := 0
	for {
		ln, err := transport.Listen(path)
		if err == nil {
			attempt = 0
			if !s.setListener(ln) {
				return nil
			}
			s.opts.logger.Info().Str("path", path).Msg("listening")
			s.register(ctx, path)
			err = s.acceptLoop(ctx, ln)
			s.closeListener()
			if s.shutdown.Load() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.opts.onClose != nil {
				s.opts.onClose()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.shutdown.Load() {
			return nil
		}
		if s.opts.onError == nil {
			return err
		}
		s.opts.onError(err)

		attempt++
		delay := s.opts.relisten.NextDelay(attempt, nil)
		s.opts.logger.Warn().Err(err).Dur("retry_in", delay).Msg("listener failed")
		if err := transport.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Server) register(ctx context.Context, path string) {
	if s.opts.registry == nil {
		return
	}
	if err := s.opts.registry.Register(ctx, s.name, registry.LocalEndpoint(path), s.opts.registryTTL); err != nil {
		s.opts.logger.Warn().Err(err).Msg("registry registration failed")
	}
}

func (s *Server) setListener(ln net.Listener) bool {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.shutdown.Load() {
		ln.Close()
		return false
	}
	s.listener = ln
	return true
}

func (s *Server) closeListener() {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

// acceptLoop runs one goroutine per connection until the listener fails.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail.
			if s.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		c := transport.NewConn(conn, s.opts.writeTimeout)
		if !s.trackConn(c) {
			c.Close()
			continue
		}
		go s.handleConn(ctx, c)
	}
}

// trackConn records c and counts its read loop. It refuses new connections
// once shutdown has begun.
func (s *Server) trackConn(c *transport.Conn) bool {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) closeConns() {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) untrackConn(c *transport.Conn) {
	s.lnMu.Lock()
	delete(s.conns, c)
	s.lnMu.Unlock()
}

// handleConn reads request frames from one connection. Reads are sequential
// so the frame decoder sees chunks in arrival order; each request is then
// dispatched on its own goroutine so a slow handler does not stall the others.
func (s *Server) handleConn(ctx context.Context, c *transport.Conn) {
	defer s.connWG.Done()
	defer func() {
		// Shutdown keeps the connection open until in-flight responses are written.
		if s.shutdown.Load() {
			return
		}
		s.untrackConn(c)
		c.Close()
	}()

	logger := s.opts.logger.With().Str("peer", c.RemoteAddr()).Logger()
	logger.Debug().Msg("connection accepted")

	r := protocol.NewReader(c, protocol.Request)
	for {
		payload, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				logger.Warn().Err(err).Msg("connection read failed")
			}
			logger.Debug().Msg("connection closed")
			return
		}

		req, err := message.DecodeRequest(payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable request")
			continue
		}
		// Unknown types are ignored on purpose: a peer may target handlers
		// this deployment does not provide.
		if _, ok := s.lookup(req.Type); !ok {
			logger.Debug().Str("type", req.Type).Msg("no handler, request dropped")
			continue
		}

		s.inflight.Add(1)
		go s.dispatch(ctx, c, req)
	}
}

// dispatch runs the handler chain for req and writes the response, unless the
// request is fire-and-forget or the connection can no longer be written.
func (s *Server) dispatch(ctx context.Context, c *transport.Conn, req *message.Request) {
	defer s.inflight.Done()

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	result, err := safeCall(ctx, handler, req)
	if req.NoReply {
		if err != nil {
			s.opts.logger.Debug().Err(err).Str("type", req.Type).Msg("fire-and-forget handler failed")
		}
		return
	}

	data, err := s.buildResponse(req, result, err)
	if err != nil {
		s.opts.logger.Error().Err(err).Str("type", req.Type).Msg("failed to encode response")
		return
	}
	if !c.Writable() {
		return
	}
	if err := c.WriteFrame(protocol.Response, data); err != nil {
		s.opts.logger.Debug().Err(err).Str("id", req.ID).Msg("response dropped")
	}
}

func (s *Server) buildResponse(req *message.Request, result any, handlerErr error) ([]byte, error) {
	resp := &message.Response{ID: req.ID}
	if handlerErr != nil {
		resp.Error = message.ErrorValue(handlerErr)
		return message.EncodeResponse(resp)
	}

	raw, err := s.opts.codec.Encode(result)
	if err == nil {
		resp.Result = raw
		var data []byte
		if data, err = message.EncodeResponse(resp); err == nil {
			return data, nil
		}
	}
	resp.Result = nil
	resp.Error = message.ErrorValue(fmt.Errorf("encoding result of %s: %w", req.Type, err))
	return message.EncodeResponse(resp)
}

// safeCall invokes h, turning a panic into an error.
func safeCall(ctx context.Context, h middleware.HandlerFunc, req *message.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("handler %s panicked: %v", req.Type, r)
		}
	}()
	return h(ctx, req)
}

// businessHandler is the innermost handler of the middleware chain; it looks
// the request type up in the handler table.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) (any, error) {
	h, ok := s.lookup(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownType, req.Type)
	}
	return h(ctx, req)
}

// Shutdown performs graceful shutdown:
//  1. Deregister the name (clients stop resolving to this server)
//  2. Set the shutdown flag, stop reading from every connection, close the listener
//  3. Wait for the read loops, then for in-flight handlers so their responses are written
//  4. Close the connections
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.registry != nil {
		if err := s.opts.registry.Deregister(ctx, s.name); err != nil {
			s.opts.logger.Warn().Err(err).Msg("registry deregistration failed")
		}
	}

	// Set the flag before closing, so the Accept error reads as intentional.
	s.lnMu.Lock()
	s.shutdown.Store(true)
	for c := range s.conns {
		c.StopReading()
	}
	s.lnMu.Unlock()
	s.closeListener()
	defer s.closeConns()

	if err := wait(ctx, &s.connWG); err != nil {
		return err
	}
	// No read loop is left to start new handlers.
	if err := wait(ctx, &s.inflight); err != nil {
		return fmt.Errorf("timeout waiting for ongoing requests to finish: %w", err)
	}
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
