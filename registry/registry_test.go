package registry

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	if _, err := reg.Resolve(ctx, "log"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound, got %v", err)
	}

	ep := LocalEndpoint("/tmp/log.sock")
	if err := reg.Register(ctx, "log", ep, 10); err != nil {
		t.Fatal(err)
	}
	got, err := reg.Resolve(ctx, "log")
	if err != nil {
		t.Fatal(err)
	}
	if got != ep {
		t.Fatalf("expect %+v, got %+v", ep, got)
	}

	if err := reg.Deregister(ctx, "log"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolve(ctx, "log"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound after deregister, got %v", err)
	}
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	reg.Register(ctx, "log", Endpoint{Path: "/tmp/a.sock"}, 10)

	ch := reg.Watch(ctx, "log")
	if ep := <-ch; ep.Path != "/tmp/a.sock" {
		t.Fatalf("expect current endpoint first, got %+v", ep)
	}
	reg.Register(ctx, "log", Endpoint{Path: "/tmp/b.sock"}, 10)
	if ep := <-ch; ep.Path != "/tmp/b.sock" {
		t.Fatalf("expect updated endpoint, got %+v", ep)
	}
	reg.Deregister(ctx, "log")
	if ep := <-ch; ep != (Endpoint{}) {
		t.Fatalf("expect zero endpoint on removal, got %+v", ep)
	}

	cancel()
	for range ch {
	}
}

func TestResolveRejectsForeignHost(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	reg.Register(ctx, "log", Endpoint{Path: "/tmp/log.sock", Host: "some-other-host.invalid"}, 10)
	if _, err := reg.Resolve(ctx, "log"); !errors.Is(err, ErrForeignHost) {
		t.Fatalf("expect ErrForeignHost, got %v", err)
	}
}
