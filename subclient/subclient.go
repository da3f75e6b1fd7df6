// Package subclient implements the subscriber client: a session plus a
// local topic table. Subscribing sends a subscriber-kind control frame and
// registers a handler; a background heartbeat keeps the socket alive while
// idle, and a reconnect re-sends a subscribe frame for every topic still in
// the table before any push can be missed.
package subclient

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"wirebus/codec"
	"wirebus/protocol"
	"wirebus/session"
)

// defaultHeartbeatInterval is the keep-alive cadence for an otherwise-idle
// subscriber socket; tunable via WithHeartbeatInterval.
const defaultHeartbeatInterval = 15 * time.Second

// Handler receives one push frame's decoded pieces. codecType and mode are
// passed through so a raw handler can tell a typed publish from a raw one.
type Handler func(topic string, body []byte, codecType protocol.CodecType, mode protocol.Mode)

// Client subscribes to topics on a single server address and dispatches
// every push frame it receives to the handler registered for its topic.
type Client struct {
	sess              *session.Session
	codecType         protocol.CodecType
	heartbeatInterval time.Duration
	log               *zap.Logger

	mu     sync.RWMutex
	topics map[string]Handler

	stopOnce     sync.Once
	stopHeartbeat chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithCodecType(ct protocol.CodecType) Option { return func(c *Client) { c.codecType = ct } }

// WithHeartbeatInterval overrides the default keep-alive period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// New creates a Client that lazily connects to addr. Subscribe may be
// called before the first connect succeeds — the subscribe frame is sent
// once ensureConn brings the socket up, same as any other session write.
func New(addr string, timeout time.Duration, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		topics:            make(map[string]Handler),
		heartbeatInterval: defaultHeartbeatInterval,
		log:               log,
		stopHeartbeat:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sess = session.New(addr, timeout, c.handlePush, log)
	c.sess.SetOnConnect(c.resubscribeAll)
	go c.heartbeatLoop()
	return c
}

// handlePush is wired as the session's PushHandler; it looks up the bound
// handler for the push's topic and hands the body off, dropping anything
// for a topic this client no longer has registered.
func (c *Client) handlePush(h *protocol.PushHeader, topic string, body []byte) {
	c.mu.RLock()
	handler := c.topics[topic]
	c.mu.RUnlock()
	if handler == nil {
		c.log.Warn("push for an unregistered topic, dropping", zap.String("topic", topic))
		return
	}
	handler(topic, body, h.CodecType, h.Mode)
}

// Subscribe registers handler for topic and sends a subscribe control
// frame. The session is marked tainted: once any subscribe frame has gone
// out over it, it may never carry an RPC call again.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.topics[topic] = handler
	c.mu.Unlock()
	c.sess.MarkTainted()
	return c.sendSubscribe(topic, protocol.SubscribeBody)
}

// SubscribeFunc is the typed counterpart of Subscribe: fn must have the
// shape func(args *ArgsType). The push body is decoded into a fresh
// ArgsType with the codec named by the frame's CodecType before fn runs;
// a raw-mode (ModeNonSerialize) push is delivered as a zero-value ArgsType
// since there is nothing to decode.
func (c *Client) SubscribeFunc(topic string, fn any) error {
	typ := reflect.TypeOf(fn)
	if typ == nil || typ.Kind() != reflect.Func || typ.NumIn() != 1 || typ.In(0).Kind() != reflect.Ptr {
		return fmt.Errorf("subclient: SubscribeFunc requires func(*ArgsType), got %T", fn)
	}
	argType := typ.In(0).Elem()
	fv := reflect.ValueOf(fn)

	handler := func(topic string, body []byte, codecType protocol.CodecType, mode protocol.Mode) {
		argv := reflect.New(argType)
		if mode == protocol.ModeSerialize && len(body) > 0 {
			if err := codec.GetCodec(codecType).Decode(body, argv.Interface()); err != nil {
				c.log.Warn("decode push body failed", zap.String("topic", topic), zap.Error(err))
				return
			}
		}
		fv.Call([]reflect.Value{argv})
	}
	return c.Subscribe(topic, handler)
}

// Unsubscribe removes topic from the local table and tells the server to
// stop forwarding publishes on it.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	return c.sendSubscribe(topic, protocol.UnsubscribeBody)
}

func (c *Client) sendSubscribe(topic string, body []byte) error {
	return c.sess.Send(c.codecType, protocol.ModeNonSerialize, protocol.KindSubscriber, topic, body)
}

// resubscribeAll re-sends a subscribe frame for every topic currently
// registered. Wired as the session's OnConnect hook, it runs on the very
// first successful dial and every reconnect after a dropped socket, since
// the server-side topic registry holds no memory of a closed connection's
// past subscriptions.
func (c *Client) resubscribeAll() {
	c.mu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	for _, t := range topics {
		if err := c.sendSubscribe(t, protocol.SubscribeBody); err != nil {
			c.log.Warn("resubscribe failed", zap.String("topic", t), zap.Error(err))
			return
		}
	}
}

// heartbeatLoop periodically sends a subscriber-kind frame under the
// reserved heartbeat protocol name so an otherwise-idle subscriber socket
// keeps carrying traffic and doesn't look abandoned to the server.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.sess.Send(c.codecType, protocol.ModeNonSerialize, protocol.KindSubscriber, protocol.HeartbeatProtocolName, nil)
			if err != nil {
				c.log.Debug("heartbeat send failed", zap.Error(err))
			}
		case <-c.stopHeartbeat:
			return
		}
	}
}

// Close stops the heartbeat loop and tears down the underlying session.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopHeartbeat) })
	return c.sess.Close()
}
