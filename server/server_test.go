package server_test

import (
	"net"
	"testing"
	"time"

	"wirebus/protocol"
	"wirebus/rpcclient"
	"wirebus/server"
)

type echoArgs struct{ Msg string }
type echoReply struct{ Msg string }

func echo(args *echoArgs, reply *echoReply) error {
	reply.Msg = args.Msg
	return nil
}

// newAddressableServer starts a server on a free loopback port so a client
// can dial it directly.
func newAddressableServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	addr := freeAddr(t)
	s := server.New()
	if err := s.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Run()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s, addr
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServerRPCRoundTrip(t *testing.T) {
	s, addr := newAddressableServer(t)
	if err := s.Bind("echo", echo); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	c := rpcclient.New(nil, nil)
	t.Cleanup(func() { _ = c.Close() })

	var reply echoReply
	if err := c.CallAddr(addr, "echo", &echoArgs{Msg: "Hello world"}, &reply); err != nil {
		t.Fatalf("CallAddr: %v", err)
	}
	if reply.Msg != "Hello world" {
		t.Fatalf("reply.Msg = %q, want %q", reply.Msg, "Hello world")
	}
}

type emptyArgs struct{}
type emptyReply struct{}

func TestServerVoidRPCRunsExactlyOnce(t *testing.T) {
	s, addr := newAddressableServer(t)
	var calls int
	sayHello := func(args *emptyArgs, reply *emptyReply) error {
		calls++
		return nil
	}
	if err := s.Bind("say_hello", sayHello); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	c := rpcclient.New(nil, nil)
	t.Cleanup(func() { _ = c.Close() })

	var reply emptyReply
	if err := c.CallAddr(addr, "say_hello", &emptyArgs{}, &reply); err != nil {
		t.Fatalf("CallAddr: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestServerRouterMissDisconnectsPeer(t *testing.T) {
	_, addr := newAddressableServer(t)

	c := rpcclient.New(nil, nil)
	t.Cleanup(func() { _ = c.Close() })

	var reply emptyReply
	if err := c.CallAddr(addr, "does_not_exist", &emptyArgs{}, &reply); err == nil {
		t.Fatal("expected an error calling an unbound protocol")
	}
}

func TestServerOverLargePayloadIsRejectedLocally(t *testing.T) {
	_, addr := newAddressableServer(t)

	c := rpcclient.New(nil, nil)
	t.Cleanup(func() { _ = c.Close() })

	big := make([]byte, protocol.MaxBufferLen+1)
	var reply []byte
	err := c.CallAddr(addr, "big", &big, &reply)
	if err == nil {
		t.Fatal("expected a send-too-large failure")
	}
}
