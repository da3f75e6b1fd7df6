// Package rpcclient implements the typed RPC calling convention on top of
// session.Session: synchronous Call, asynchronous AsyncCall with a
// Task/Then continuation, and registry+loadbalance integration for picking
// which server address to call.
package rpcclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wirebus/codec"
	"wirebus/loadbalance"
	"wirebus/protocol"
	"wirebus/registry"
	"wirebus/session"
)

// ErrSubscriberTainted is returned by Call/AsyncCall when the session
// selected for this call has already carried a subscriber-kind frame.
// Mixing RPC calls onto a subscriber-tainted connection is explicitly
// undefined; rather than silently risking a misrouted reply, the client
// refuses the call outright.
var ErrSubscriberTainted = errors.New("rpcclient: connection is subscriber-tainted, refusing RPC call")

// Client dispatches typed RPC calls, discovering server addresses through
// a registry and picking among them with a load balancer, over a
// multiplexed session shared by every caller rather than a pool of
// exclusively-borrowed connections.
type Client struct {
	registry  registry.Registry
	balancer  loadbalance.Balancer
	codecType protocol.CodecType
	timeout   time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithCodecType(ct protocol.CodecType) Option { return func(c *Client) { c.codecType = ct } }
func WithTimeout(d time.Duration) Option         { return func(c *Client) { c.timeout = d } }
func WithLogger(log *zap.Logger) Option          { return func(c *Client) { c.log = log } }

// New creates a Client using reg for discovery and bal for instance
// selection.
func New(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		timeout:  5 * time.Second,
		log:      zap.NewNop(),
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sessionFor returns the shared session for addr, lazily creating it.
// Nothing in rpcclient marks these sessions tainted (subclient owns its own
// session); the Tainted checks in the call paths reject a session only
// after MarkTainted has been called on it directly.
func (c *Client) sessionFor(addr string) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[addr]
	if !ok {
		s = session.New(addr, c.timeout, nil, c.log)
		c.sessions[addr] = s
	}
	return s
}

func (c *Client) pickAddr(serviceName string) (string, error) {
	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return "", err
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return "", err
	}
	return instance.Addr, nil
}

// Call performs a synchronous typed RPC call: discover an instance of
// serviceName, encode args with the client's codec, send it under
// protocolName, and decode the reply into reply.
func (c *Client) Call(serviceName, protocolName string, args, reply any) error {
	addr, err := c.pickAddr(serviceName)
	if err != nil {
		return err
	}
	return c.CallAddr(addr, protocolName, args, reply)
}

// CallAddr bypasses discovery and calls a known address directly.
func (c *Client) CallAddr(addr, protocolName string, args, reply any) error {
	s := c.sessionFor(addr)
	if s.Tainted() {
		return ErrSubscriberTainted
	}

	cdc := codec.GetCodec(c.codecType)
	body, err := cdc.Encode(args)
	if err != nil {
		return fmt.Errorf("rpcclient: encode args: %w", err)
	}

	_, respBody, err := s.Call(c.codecType, protocol.ModeSerialize, protocolName, body)
	if err != nil {
		return err
	}
	if reply == nil || len(respBody) == 0 {
		return nil
	}
	return cdc.Decode(respBody, reply)
}

// Task is the handle returned by AsyncCall; Then registers a continuation
// invoked once the call completes (successfully or not).
type Task struct {
	done chan struct{}
	err  error
}

// Then registers a continuation invoked with the call's result, without
// requiring a future type from outside the standard library.
func (t *Task) Then(fn func(err error)) {
	go func() {
		<-t.done
		fn(t.err)
	}()
}

// Wait blocks until the call completes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// AsyncCall discovers an instance of serviceName and dispatches the call
// through the session's outbound send queue, returning immediately with a
// Task the caller can attach a continuation to.
func (c *Client) AsyncCall(serviceName, protocolName string, args, reply any) *Task {
	t := &Task{done: make(chan struct{})}
	addr, err := c.pickAddr(serviceName)
	if err != nil {
		t.err = err
		close(t.done)
		return t
	}
	c.dispatchAsync(addr, protocolName, args, reply, t)
	return t
}

// AsyncCallAddr bypasses discovery and dispatches the call to a known
// address directly, the async counterpart of CallAddr.
func (c *Client) AsyncCallAddr(addr, protocolName string, args, reply any) *Task {
	t := &Task{done: make(chan struct{})}
	c.dispatchAsync(addr, protocolName, args, reply, t)
	return t
}

// dispatchAsync encodes args and hands the request to the session's async
// outbound queue; the continuation decodes the reply once the session
// demuxes the matching response frame. t.done is closed exactly once,
// whether the call is ever enqueued or fails before that.
func (c *Client) dispatchAsync(addr, protocolName string, args, reply any, t *Task) {
	s := c.sessionFor(addr)
	if s.Tainted() {
		t.err = ErrSubscriberTainted
		close(t.done)
		return
	}

	cdc := codec.GetCodec(c.codecType)
	body, err := cdc.Encode(args)
	if err != nil {
		t.err = fmt.Errorf("rpcclient: encode args: %w", err)
		close(t.done)
		return
	}

	err = s.AsyncCall(c.codecType, protocol.ModeSerialize, protocolName, body, func(respBody []byte, err error) {
		defer close(t.done)
		if err != nil {
			t.err = err
			return
		}
		if reply != nil && len(respBody) > 0 {
			t.err = cdc.Decode(respBody, reply)
		}
	})
	if err != nil {
		t.err = err
		close(t.done)
	}
}

// Close tears down every session this client has opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		_ = s.Close()
	}
	return nil
}
