package test

import (
	"testing"
	"time"

	"wirebus/codec"
	"wirebus/protocol"
	"wirebus/rpcclient"
	"wirebus/server"
)

type benchArgs struct{ A, B int }
type benchReply struct{ Sum int }

func setupBenchServer(b *testing.B, addr string) (*server.Server, *rpcclient.Client) {
	b.Helper()
	s := server.New()
	if err := s.Bind("add", func(args *benchArgs, reply *benchReply) error {
		reply.Sum = args.A + args.B
		return nil
	}); err != nil {
		b.Fatal(err)
	}
	if err := s.Listen(addr); err != nil {
		b.Fatal(err)
	}
	go s.Run()

	cli := rpcclient.New(nil, nil)
	return s, cli
}

// BenchmarkSerialCall measures one goroutine issuing calls back to back
// over a single shared session.
func BenchmarkSerialCall(b *testing.B) {
	addr := "127.0.0.1:29090"
	s, cli := setupBenchServer(b, addr)
	b.Cleanup(func() { _ = s.Shutdown(3 * time.Second) })
	b.Cleanup(func() { _ = cli.Close() })

	reply := &benchReply{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cli.CallAddr(addr, "add", &benchArgs{A: 1, B: 2}, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentCall measures many goroutines sharing one session,
// the scenario multiplexing over a single socket is meant to make cheap.
func BenchmarkConcurrentCall(b *testing.B) {
	addr := "127.0.0.1:29091"
	s, cli := setupBenchServer(b, addr)
	b.Cleanup(func() { _ = s.Shutdown(3 * time.Second) })
	b.Cleanup(func() { _ = cli.Close() })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		reply := &benchReply{}
		for pb.Next() {
			if err := cli.CallAddr(addr, "add", &benchArgs{A: 1, B: 2}, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkCodecJSON measures JSON encode/decode cost alone, no network.
func BenchmarkCodecJSON(b *testing.B) {
	cdc := codec.GetCodec(protocol.CodecTypeJSON)
	args := &benchArgs{A: 1, B: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(args)
		var out benchArgs
		_ = cdc.Decode(data, &out)
	}
}

// BenchmarkCodecBinary measures gob encode/decode cost alone, no network.
func BenchmarkCodecBinary(b *testing.B) {
	cdc := codec.GetCodec(protocol.CodecTypeBinary)
	args := &benchArgs{A: 1, B: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(args)
		var out benchArgs
		_ = cdc.Decode(data, &out)
	}
}
