package subclient

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"wirebus/protocol"
	"wirebus/pubclient"
	"wirebus/server"
)

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

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type weatherArgs struct{ Condition string }

func TestSubscribeRegistersWithServer(t *testing.T) {
	addr := freeAddr(t)
	s := server.New()
	if err := s.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Run()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	c := New(addr, time.Second, nil)
	t.Cleanup(func() { _ = c.Close() })

	var got atomic.Int32
	if err := c.SubscribeFunc("weather", func(a *weatherArgs) { got.Add(1) }); err != nil {
		t.Fatalf("SubscribeFunc: %v", err)
	}
	waitFor(t, func() bool { return s.Topics.SubscriberCount("weather") == 1 })

	pub := pubclient.New(addr, time.Second, nil)
	t.Cleanup(func() { _ = pub.Close() })
	if err := pub.Publish("weather", &weatherArgs{Condition: "sunny"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestUnsubscribeRemovesFromServerAndStopsDelivery(t *testing.T) {
	addr := freeAddr(t)
	s := server.New()
	if err := s.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Run()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	c := New(addr, time.Second, nil)
	t.Cleanup(func() { _ = c.Close() })

	var got atomic.Int32
	if err := c.Subscribe("news", func(topic string, body []byte, ct protocol.CodecType, mode protocol.Mode) {
		got.Add(1)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool { return s.Topics.SubscriberCount("news") == 1 })

	if err := c.Unsubscribe("news"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, func() bool { return s.Topics.SubscriberCount("news") == 0 })

	pub := pubclient.New(addr, time.Second, nil)
	t.Cleanup(func() { _ = pub.Close() })
	if err := pub.PublishRaw("news", []byte("breaking")); err != nil {
		t.Fatalf("PublishRaw: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 0 {
		t.Fatalf("got %d pushes after unsubscribe, want 0", got.Load())
	}
}

// TestHeartbeatKeepsSocketAlive checks that the heartbeat loop keeps
// sending __heartbeats__ frames on an otherwise idle subscription without
// the server ever treating the connection as dead or tripping a router
// miss (a heartbeat frame is deliberately not routed to onSubscribe).
func TestHeartbeatKeepsSocketAlive(t *testing.T) {
	addr := freeAddr(t)
	s := server.New()
	if err := s.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Run()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	c := New(addr, time.Second, nil, WithHeartbeatInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Subscribe("t", func(string, []byte, protocol.CodecType, protocol.Mode) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool { return s.Topics.SubscriberCount("t") == 1 })

	// Give the heartbeat a few ticks and confirm the subscription survives.
	time.Sleep(100 * time.Millisecond)
	if s.Topics.SubscriberCount("t") != 1 {
		t.Fatal("subscription did not survive heartbeat interval")
	}
}

// TestResubscribeOnReconnect checks that after the server bounces, the
// client's local topic table drives a fresh subscribe frame as soon as the
// heartbeat (or any other send) forces a reconnect.
func TestResubscribeOnReconnect(t *testing.T) {
	addr := freeAddr(t)
	s1 := server.New()
	if err := s1.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s1.Run()

	c := New(addr, 2*time.Second, nil, WithHeartbeatInterval(30*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Subscribe("t", func(string, []byte, protocol.CodecType, protocol.Mode) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool { return s1.Topics.SubscriberCount("t") == 1 })

	if err := s1.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s2 := server.New()
	if err := s2.Listen(addr); err != nil {
		t.Fatalf("restart Listen: %v", err)
	}
	go s2.Run()
	t.Cleanup(func() { _ = s2.Shutdown(time.Second) })

	waitFor(t, func() bool { return s2.Topics.SubscriberCount("t") == 1 })
}

func TestSubscribeFuncRejectsWrongShape(t *testing.T) {
	c := New(freeAddr(t), time.Second, nil)
	t.Cleanup(func() { _ = c.Close() })

	if err := c.SubscribeFunc("bad", func() {}); err == nil {
		t.Fatal("expected an error for a handler with no argument")
	}
}
