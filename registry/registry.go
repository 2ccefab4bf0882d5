// Package registry maps rendezvous names to the socket a server is listening on.
//
// Servers register their name with a TTL; clients resolve the name before each
// connect attempt, so a server that restarts on a new socket path is found
// again without reconfiguring its clients.
package registry

import (
	"context"
	"errors"
	"os"
	"sync"
)

var (
	ErrNotFound    = errors.New("registry: name not registered")
	ErrForeignHost = errors.New("registry: endpoint belongs to another host")
)

// Endpoint is where a named server can be reached.
type Endpoint struct {
	Path string `json:"path"` // Unix socket path
	Host string `json:"host"` // Hostname of the registering process
	PID  int    `json:"pid"`
}

type Registry interface {
	Register(ctx context.Context, name string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, name string) error
	Resolve(ctx context.Context, name string) (Endpoint, error)
}

// Watcher is implemented by registries that can push endpoint changes.
// The channel first carries the current endpoint, if any, then every change;
// a zero Endpoint means the name was removed.
type Watcher interface {
	Watch(ctx context.Context, name string) <-chan Endpoint
}

// LocalEndpoint describes a socket owned by the calling process.
func LocalEndpoint(path string) Endpoint {
	host, _ := os.Hostname()
	return Endpoint{Path: path, Host: host, PID: os.Getpid()}
}

// checkLocal rejects endpoints registered from a different machine; the
// socket path would be meaningless here.
func checkLocal(ep Endpoint) error {
	if ep.Host == "" {
		return nil
	}
	host, err := os.Hostname()
	if err != nil || host == ep.Host {
		return nil
	}
	return ErrForeignHost
}

// MemoryRegistry is an in-process Registry and Watcher. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	watchers  map[string][]chan Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string]Endpoint),
		watchers:  make(map[string][]chan Endpoint),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, name string, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = ep
	r.notifyLocked(name, ep)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
	r.notifyLocked(name, Endpoint{})
	return nil
}

// Watch implements Watcher. A slow reader only ever sees the latest endpoint.
func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan Endpoint {
	ch := make(chan Endpoint, 1)
	r.mu.Lock()
	if ep, ok := r.endpoints[name]; ok {
		ch <- ep
	}
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[name]
		for i, w := range list {
			if w == ch {
				r.watchers[name] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) notifyLocked(name string, ep Endpoint) {
	for _, ch := range r.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- ep
	}
}

func (r *MemoryRegistry) Resolve(ctx context.Context, name string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	if err := checkLocal(ep); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}
