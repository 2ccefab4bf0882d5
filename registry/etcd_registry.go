package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/pipe-rpc/"

var (
	_ Registry = (*EtcdRegistry)(nil)
	_ Watcher  = (*EtcdRegistry)(nil)
	_ Registry = (*MemoryRegistry)(nil)
	_ Watcher  = (*MemoryRegistry)(nil)
)

// EtcdRegistry implements Registry on etcd v3.
//
//	Key:   /pipe-rpc/{name}
//	Value: JSON-encoded Endpoint, attached to a TTL lease
//
// If the server dies, KeepAlive stops and the lease expires, removing the name.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register stores ep under name with a TTL lease and keeps the lease alive
// until Deregister or Close. Registering a name again replaces its lease.
func (r *EtcdRegistry) Register(ctx context.Context, name string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, keyPrefix+name, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}

	// KeepAlive must outlive the registering call's ctx.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	prev, hadPrev := r.leases[name]
	r.leases[name] = lease.ID
	r.mu.Unlock()

	// The key now hangs off the new lease; revoking the old one ends its
	// KeepAlive stream and drain goroutine.
	if hadPrev && prev != lease.ID {
		if _, err := r.client.Revoke(ctx, prev); err != nil {
			return fmt.Errorf("revoking previous lease: %w", err)
		}
	}
	return nil
}

// Deregister removes name and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	leaseID, ok := r.leases[name]
	delete(r.leases, name)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, keyPrefix+name); err != nil {
		return err
	}
	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the endpoint currently registered under name.
func (r *EtcdRegistry) Resolve(ctx context.Context, name string) (Endpoint, error) {
	resp, err := r.client.Get(ctx, keyPrefix+name)
	if err != nil {
		return Endpoint{}, err
	}
	if len(resp.Kvs) == 0 {
		return Endpoint{}, ErrNotFound
	}
	var ep Endpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("decoding endpoint for %s: %w", name, err)
	}
	if err := checkLocal(ep); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Watch emits the endpoint registered under name, first its current value
// (if any) and then every change. A zero Endpoint means the name was removed.
// The channel closes with ctx.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan Endpoint {
	ch := make(chan Endpoint, 1)
	go func() {
		defer close(ch)
		resp, err := r.client.Get(ctx, keyPrefix+name)
		if err != nil {
			return
		}
		if len(resp.Kvs) > 0 {
			var ep Endpoint
			if json.Unmarshal(resp.Kvs[0].Value, &ep) == nil {
				select {
				case ch <- ep:
				case <-ctx.Done():
					return
				}
			}
		}

		rev := resp.Header.Revision + 1
		for wresp := range r.client.Watch(ctx, keyPrefix+name, clientv3.WithRev(rev)) {
			for _, ev := range wresp.Events {
				var ep Endpoint
				if ev.Type == clientv3.EventTypePut {
					if err := json.Unmarshal(ev.Kv.Value, &ep); err != nil {
						continue
					}
				}
				select {
				case ch <- ep:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// Close releases the etcd client; outstanding leases expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
