package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// newTestEtcd connects to a local etcd, skipping the test when none is running.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "127.0.0.1:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterResolveDeregister(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := "test-" + time.Now().Format("150405.000000")
	watch := reg.Watch(ctx, name)

	ep := LocalEndpoint("/tmp/" + name + ".sock")
	if err := reg.Register(ctx, name, ep, 10); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Resolve(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if got != ep {
		t.Fatalf("expect %+v, got %+v", ep, got)
	}

	select {
	case seen := <-watch:
		if seen != ep {
			t.Fatalf("watch: expect %+v, got %+v", ep, seen)
		}
	case <-ctx.Done():
		t.Fatal("watch never reported the registration")
	}

	if err := reg.Deregister(ctx, name); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolve(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound after deregister, got %v", err)
	}
}

func (r *EtcdRegistry) leaseOf(name string) (clientv3.LeaseID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.leases[name]
	return id, ok
}

func TestEtcdReregisterRevokesPreviousLease(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { reg.Deregister(context.Background(), name) })

	ep := LocalEndpoint("/tmp/" + name + ".sock")
	if err := reg.Register(ctx, name, ep, 10); err != nil {
		t.Fatal(err)
	}
	first, _ := reg.leaseOf(name)
	if err := reg.Register(ctx, name, ep, 10); err != nil {
		t.Fatal(err)
	}
	second, _ := reg.leaseOf(name)
	if first == second {
		t.Fatal("expect a fresh lease on re-registration")
	}

	ttl, err := reg.client.TimeToLive(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if ttl.TTL != -1 {
		t.Fatalf("expect the first lease revoked, ttl %d", ttl.TTL)
	}
	if got, err := reg.Resolve(ctx, name); err != nil || got != ep {
		t.Fatalf("expect %+v still registered, got %+v err=%v", ep, got, err)
	}
}
