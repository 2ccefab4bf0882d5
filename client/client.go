// Package client implements the calling side of pipe-rpc.
//
// A Client owns one connection to a named server and keeps it alive for its
// whole lifetime:
//
//	Disconnected → Connecting → Connected → (close/error) → Disconnected → ...
//
// Calls made while disconnected wait in a FIFO backlog and are written, in
// submission order, as soon as a connection is up. Responses are matched to
// calls by correlation id, so they may arrive in any order.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pipe-rpc/message"
	"pipe-rpc/protocol"
	"pipe-rpc/registry"
	"pipe-rpc/transport"
)

var (
	ErrClosed         = errors.New("client: closed")
	ErrConnectionLost = errors.New("client: connection lost before the response arrived")
	ErrCallTimeout    = errors.New("client: call timed out")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type outgoing struct {
	typ     string
	body    []byte
	noReply bool
	fut     *Future // nil for notifications
}

// Client calls handlers on a named server.
type Client struct {
	name    string
	opts    options
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	newID   func() string
	closed  atomic.Bool

	// sendMu orders writes on the connection, so a backlog drain finishes
	// before any new call is written.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    *transport.Conn
	pending map[string]*Future
	backlog []*outgoing
	err     error
	stateCh chan struct{} // closed and replaced on every state change

	done chan struct{}
}

// New creates a client for the given name and starts connecting at once.
func New(name string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		name:    name,
		opts:    o,
		logger:  o.logger.With().Str("component", "client").Str("name", name).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		newID:   uuid.NewString,
		pending: make(map[string]*Future),
		stateCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Go submits a call and returns its Future without waiting.
func (c *Client) Go(typ string, body any) *Future {
	f := newFuture(c, typ)
	if err := message.ValidateType(typ); err != nil {
		f.reject(err)
		return f
	}
	data, err := c.opts.codec.Encode(body)
	if err != nil {
		f.reject(fmt.Errorf("encoding %s body: %w", typ, err))
		return f
	}
	if d := c.opts.callTimeout; d > 0 {
		c.mu.Lock()
		f.timer = time.AfterFunc(d, func() { c.abandon(f, ErrCallTimeout) })
		c.mu.Unlock()
	}
	if err := c.submit(&outgoing{typ: typ, body: data, fut: f}); err != nil {
		c.mu.Lock()
		f.reject(err)
		c.mu.Unlock()
	}
	return f
}

// Send calls typ and decodes the result into reply, which may be nil.
func (c *Client) Send(ctx context.Context, typ string, body, reply any) error {
	return c.Go(typ, body).Decode(ctx, reply)
}

// Notify sends a fire-and-forget request. The server never answers it, so
// delivery is not confirmed.
func (c *Client) Notify(typ string, body any) error {
	if err := message.ValidateType(typ); err != nil {
		return err
	}
	data, err := c.opts.codec.Encode(body)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", typ, err)
	}
	return c.submit(&outgoing{typ: typ, body: data, noReply: true})
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == Connected
}

// WaitConnected blocks until the client is connected, terminated, or ctx is
// done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch, err := c.state, c.stateCh, c.err
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if state == Connected {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Err reports why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the reconnect loop and closes the connection. Calls that have
// not settled are rejected with ErrClosed.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) submit(o *outgoing) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.state != Connected {
		c.backlog = append(c.backlog, o)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if requeue, err := c.write(conn, o); err != nil {
		c.logger.Debug().Err(err).Str("type", o.typ).Msg("write failed, call queued for the next connection")
		if requeue {
			c.mu.Lock()
			c.backlog = append(c.backlog, o)
			c.mu.Unlock()
		}
	}
	return nil
}

// write sends one call. When the write fails, requeue reports whether the
// call is still unsettled and should be retried on the next connection.
func (c *Client) write(conn *transport.Conn, o *outgoing) (requeue bool, err error) {
	req := &message.Request{Type: o.typ, Body: o.body, NoReply: o.noReply}
	if !o.noReply {
		req.ID = c.newID()
		c.mu.Lock()
		if o.fut.settled() {
			c.mu.Unlock()
			return false, nil
		}
		o.fut.id.Store(req.ID)
		c.pending[req.ID] = o.fut
		c.mu.Unlock()
	}

	data, err := message.EncodeRequest(req)
	if err != nil {
		if !o.noReply {
			c.mu.Lock()
			delete(c.pending, req.ID)
			o.fut.reject(err)
			c.mu.Unlock()
		}
		return false, nil
	}

	if err := conn.WriteFrame(protocol.Request, data); err != nil {
		if o.noReply {
			return true, err
		}
		c.mu.Lock()
		_, still := c.pending[req.ID]
		if still {
			delete(c.pending, req.ID)
			o.fut.id.Store("")
		}
		c.mu.Unlock()
		return still, err
	}
	return false, nil
}

// abandon drops f from the pending table or the backlog and rejects it.
func (c *Client) abandon(f *Future, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.settled() {
		return
	}
	if id := f.ID(); id != "" {
		delete(c.pending, id)
	} else {
		for i, o := range c.backlog {
			if o.fut == f {
				c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
				break
			}
		}
	}
	f.reject(err)
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	close(c.stateCh)
	c.stateCh = make(chan struct{})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Client) run() {
	err := c.loop()
	c.finish(err)
	close(c.done)
}

// loop is the reconnect supervisor. It returns when the client is closed or a
// connection error cannot be reported anywhere.
func (c *Client) loop() error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		c.setState(Connecting)
		conn, path, err := c.dial()
		if err == nil {
			attempt = 0
			err = c.serveConn(conn, path)
			if c.ctx.Err() != nil {
				return ErrClosed
			}
			if c.opts.onClose != nil {
				c.opts.onClose()
			}
		}
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		if c.State() != Disconnected {
			// A failed dial is still in Connecting.
			c.setState(Disconnected)
		}
		if err != nil {
			if !c.report(err) {
				return err
			}
		}

		attempt++
		delay := c.opts.reconnect.NextDelay(attempt, rng)
		c.logger.Debug().Err(err).Dur("retry_in", delay).Msg("reconnecting")
		if transport.Sleep(c.ctx, delay) != nil {
			return ErrClosed
		}
	}
}

func (c *Client) dial() (*transport.Conn, string, error) {
	path := transport.SocketPath(c.opts.socketDir, c.name)
	if c.opts.resolver != nil {
		ep, err := c.opts.resolver.Resolve(c.ctx, c.name)
		if err != nil {
			return nil, "", fmt.Errorf("resolving %s: %w", c.name, err)
		}
		path = ep.Path
	}
	ctx := c.ctx
	if c.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
	}
	conn, err := transport.Dial(ctx, path, c.opts.writeTimeout)
	if err != nil {
		return nil, "", err
	}
	return conn, path, nil
}

// serveConn drains the backlog onto conn and reads responses until the
// connection ends. A clean close by the peer returns nil.
func (c *Client) serveConn(conn *transport.Conn, path string) error {
	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stop()
	defer c.onDisconnected(conn)
	stopWatch := c.watchEndpoint(conn, path)
	defer stopWatch()

	c.logger.Debug().Str("path", path).Msg("connected")
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	if err := c.onConnected(conn); err != nil {
		conn.Close()
		<-readErr
		return err
	}
	err := <-readErr
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// onConnected flips the state and writes the backlog in submission order.
// sendMu keeps new calls from being written ahead of it.
func (c *Client) onConnected(conn *transport.Conn) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	queue := c.backlog
	c.backlog = nil
	c.setStateLocked(Connected)
	c.mu.Unlock()

	for i, o := range queue {
		requeue, err := c.write(conn, o)
		if err == nil {
			continue
		}
		rest := queue[i+1:]
		if requeue {
			rest = queue[i:]
		}
		c.mu.Lock()
		c.backlog = append(append([]*outgoing(nil), rest...), c.backlog...)
		c.mu.Unlock()
		return err
	}
	if len(queue) > 0 {
		c.logger.Debug().Int("calls", len(queue)).Msg("backlog flushed")
	}
	return nil
}

func (c *Client) onDisconnected(conn *transport.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	for id, f := range c.pending {
		f.reject(ErrConnectionLost)
		delete(c.pending, id)
	}
	c.setStateLocked(Disconnected)
}

func (c *Client) readLoop(conn *transport.Conn) error {
	r := protocol.NewReader(conn, protocol.Response)
	for {
		payload, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				c.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			return err
		}
		resp, err := message.DecodeResponse(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable response")
			continue
		}

		c.mu.Lock()
		f, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			if resp.Failed() {
				f.reject(newRemoteError(f.typ, resp.Error))
			} else {
				f.resolve(resp.Result)
			}
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", resp.ID).Msg("response without a pending call ignored")
		}
	}
}

// watchEndpoint drops conn when the registry moves the name to another
// socket, so the next attempt resolves the new one.
func (c *Client) watchEndpoint(conn *transport.Conn, path string) func() {
	w, ok := c.opts.resolver.(registry.Watcher)
	if !ok {
		return func() {}
	}
	ctx, cancel := context.WithCancel(c.ctx)
	go func() {
		for ep := range w.Watch(ctx, c.name) {
			if ep.Path != path {
				c.logger.Info().Str("old", path).Str("new", ep.Path).Msg("endpoint moved")
				conn.Close()
				return
			}
		}
	}()
	return cancel
}

// report handles a connection error and reports whether the client may keep
// reconnecting. Errors inside the startup grace are expected races with a
// server that is still coming up.
func (c *Client) report(err error) bool {
	if time.Since(c.started) < c.opts.startupGrace {
		c.logger.Debug().Err(err).Msg("connection error during startup grace")
		return true
	}
	if c.opts.onError != nil {
		c.opts.onError(err)
		return true
	}
	c.logger.Error().Err(err).Msg("connection error, client stopping")
	return false
}

// finish rejects every unsettled call with the reason the client stopped.
func (c *Client) finish(err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || err == nil {
		err = ErrClosed
	}
	c.err = err
	for id, f := range c.pending {
		f.reject(err)
		delete(c.pending, id)
	}
	for _, o := range c.backlog {
		if o.fut != nil {
			o.fut.reject(err)
		}
	}
	c.backlog = nil
	c.setStateLocked(Disconnected)
	c.cancel()
}
