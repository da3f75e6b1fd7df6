// Package pubclient implements the fire-and-forget publisher client: a
// thin wrapper over session.Session that always writes a KindPublisher
// frame and never reads a reply.
package pubclient

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"wirebus/codec"
	"wirebus/protocol"
	"wirebus/session"
)

// Client publishes to a single server address. Unlike rpcclient, it has no
// discovery/load-balancing layer of its own — it is a thin wrapper around
// one session, and callers that need to publish to multiple addresses
// construct one Client per address.
type Client struct {
	sess      *session.Session
	codecType protocol.CodecType
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithCodecType(ct protocol.CodecType) Option { return func(c *Client) { c.codecType = ct } }

// New creates a Client that lazily connects to addr. timeout bounds the
// reconnect backoff loop; writes themselves carry no deadline.
func New(addr string, timeout time.Duration, log *zap.Logger, opts ...Option) *Client {
	c := &Client{sess: session.New(addr, timeout, nil, log)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish encodes args with the client's codec and publishes it to topic,
// tagged ModeSerialize so a subscriber's push handler decodes it.
func (c *Client) Publish(topic string, args any) error {
	body, err := codec.GetCodec(c.codecType).Encode(args)
	if err != nil {
		return fmt.Errorf("pubclient: encode args: %w", err)
	}
	return c.sess.Send(c.codecType, protocol.ModeSerialize, protocol.KindPublisher, topic, body)
}

// PublishRaw publishes body verbatim, bypassing the codec. Tagged
// ModeNonSerialize so a subscriber's push handler knows not to run it back
// through a codec.
func (c *Client) PublishRaw(topic string, body []byte) error {
	return c.sess.Send(c.codecType, protocol.ModeNonSerialize, protocol.KindPublisher, topic, body)
}

// AsyncPublish queues the publish on the session's outbound send queue and
// returns once it is queued, without waiting for the single writer goroutine
// to flush it to the socket.
func (c *Client) AsyncPublish(topic string, args any) error {
	body, err := codec.GetCodec(c.codecType).Encode(args)
	if err != nil {
		return fmt.Errorf("pubclient: encode args: %w", err)
	}
	return c.sess.EnqueueSend(c.codecType, protocol.ModeSerialize, protocol.KindPublisher, topic, body)
}

// AsyncPublishRaw is the raw-body counterpart of AsyncPublish.
func (c *Client) AsyncPublishRaw(topic string, body []byte) error {
	return c.sess.EnqueueSend(c.codecType, protocol.ModeNonSerialize, protocol.KindPublisher, topic, body)
}

// Close tears down the underlying session.
func (c *Client) Close() error { return c.sess.Close() }
