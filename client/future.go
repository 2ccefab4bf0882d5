package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// RemoteError is a failure reported by the server's handler.
type RemoteError struct {
	Type string
	// Value is the serialized error as sent by the server.
	Value json.RawMessage
	// Message is set when Value is a JSON string.
	Message string
}

func newRemoteError(typ string, value json.RawMessage) *RemoteError {
	e := &RemoteError{Type: typ, Value: value}
	var msg string
	if json.Unmarshal(value, &msg) == nil {
		e.Message = msg
	}
	return e
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Value)
}

// Future is the pending result of a call.
type Future struct {
	c    *Client
	typ  string
	id   atomic.Value // string, set once the request is written
	done chan struct{}
	once sync.Once

	result json.RawMessage
	err    error
	timer  *time.Timer // guarded by c.mu
}

func newFuture(c *Client, typ string) *Future {
	return &Future{c: c, typ: typ, done: make(chan struct{})}
}

// ID returns the correlation id, or "" while the call is still queued.
func (f *Future) ID() string {
	id, _ := f.id.Load().(string)
	return id
}

// Done is closed once the call has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call settles or ctx is done. A cancelled wait
// abandons the call: a late response for it is ignored.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.c.abandon(f, ctx.Err())
		<-f.done
	}
	return f.result, f.err
}

// Decode waits for the result and decodes it into v.
func (f *Future) Decode(ctx context.Context, v any) error {
	raw, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return f.c.opts.codec.Decode(raw, v)
}

func (f *Future) settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// settle must be called with c.mu held once the future is visible to other
// goroutines.
func (f *Future) settle(result json.RawMessage, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		if f.timer != nil {
			f.timer.Stop()
		}
		close(f.done)
	})
}

func (f *Future) resolve(result json.RawMessage) { f.settle(result, nil) }

func (f *Future) reject(err error) { f.settle(nil, err) }
