package client

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pipe-rpc/message"
	"pipe-rpc/protocol"
	"pipe-rpc/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func setupServerAndClient(b *testing.B) *Client {
	dir := b.TempDir()
	svr := server.NewServer("bench", server.WithSocketDir(dir), server.WithLogger(zerolog.Nop()))
	if err := svr.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	go svr.Serve(context.Background())
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})

	cli := New("bench", WithSocketDir(dir), WithLogger(zerolog.Nop()))
	b.Cleanup(func() { cli.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cli.WaitConnected(ctx); err != nil {
		b.Fatal(err)
	}
	return cli
}

// One caller at a time.
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b)
	ctx := context.Background()
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Send(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Many callers sharing one connection.
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Send(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Envelope and framing only, no socket.
func BenchmarkRequestFrame(b *testing.B) {
	req := &message.Request{ID: "0b6f1f4e-6a55-4b0b-9d56-6c1f7f6c2a10", Type: "Arith.Add", Body: []byte(`{"A":1,"B":2}`)}
	dec := protocol.NewDecoder(protocol.Request)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := message.EncodeRequest(req)
		frames, _ := dec.Feed(protocol.Encode(protocol.Request, data))
		payload, _ := dec.Unescape(frames[0])
		message.DecodeRequest(payload)
	}
}
