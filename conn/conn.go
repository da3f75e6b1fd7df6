// Package conn implements the server-side per-socket connection state
// machine:
//
//	IDLE --accept--> READING_HEADER
//	READING_HEADER --header_ok--> READING_BODY
//	READING_HEADER --header_bad/eof/err--> CLOSING
//	READING_BODY  --body_ok--> DISPATCHING
//	READING_BODY  --err--> CLOSING
//	DISPATCHING   --dispatched--> READING_HEADER
//	CLOSING       --cleanup_done--> CLOSED
//
// Route and RemoveAllTopics are injected as callbacks (the server builds
// them once at startup and hands them to every accepted connection) so
// this package never has to import router or topic — both of those depend
// on conn instead, structurally, through the Conn interfaces they each
// declare.
package conn

import (
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"wirebus/protocol"
)

// RouteFunc dispatches one decoded request frame to the handler table and
// returns false if nothing matched (the caller then disconnects the peer).
type RouteFunc func(h *protocol.RequestHeader, protocolName string, body []byte, c *Connection) bool

// RemoveAllTopicsFunc evicts a connection from every topic it ever
// subscribed to. Called on any close path once the connection is tainted.
type RemoveAllTopicsFunc func(c *Connection)

// Connection wraps one accepted net.Conn plus its bookkeeping: a sticky
// subscriber-taint flag, a write mutex serializing replies and pushes, and
// a liveness flag the topic registry checks instead of holding a weak
// reference.
type Connection struct {
	id       uint64
	nc       net.Conn
	log      *zap.Logger
	route    RouteFunc
	removeAll RemoveAllTopicsFunc

	writeMu sync.Mutex
	tainted atomic.Bool
	closed  atomic.Bool

	closeOnce sync.Once
}

var nextID atomic.Uint64

// New wraps nc as a Connection with the next process-unique ID. TCP_NODELAY
// is set immediately so small request/response frames aren't held up by
// Nagle's algorithm.
func New(nc net.Conn, route RouteFunc, removeAll RemoveAllTopicsFunc, log *zap.Logger) *Connection {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Connection{
		id:        nextID.Add(1),
		nc:        nc,
		log:       log,
		route:     route,
		removeAll: removeAll,
	}
}

// ID is the opaque handle the topic registry stores instead of a weak
// pointer to this connection.
func (c *Connection) ID() uint64 { return c.id }

// Closed reports whether this connection has finished tearing down. The
// topic manager treats a closed connection as dead and prunes it from
// fan-out without needing a weak reference.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Tainted reports whether this connection has ever carried a
// subscriber-kind frame. Sticky: once true, stays true for the
// connection's life.
func (c *Connection) Tainted() bool { return c.tainted.Load() }

// MarkTainted sets the sticky subscriber flag.
func (c *Connection) MarkTainted() { c.tainted.Store(true) }

// RemoteAddr exposes the peer address for logging.
func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Start arms the read loop. It runs on the caller's goroutine (the ioloop
// Loop this connection was pinned to owns that goroutine).
func (c *Connection) Start() {
	defer c.close()
	for {
		header, err := protocol.DecodeRequestHeader(c.nc)
		if err != nil {
			return
		}
		name, body, err := protocol.ReadProtocolAndBody(c.nc, header)
		if err != nil {
			return
		}
		if header.Kind == protocol.KindSubscriber {
			c.MarkTainted()
		}

		// Route hands an RPC call to its own goroutine and returns at
		// once, so the loop goes straight back to the next header read: a
		// second pipelined request from the same peer is read while the
		// first is still being handled.
		ok := c.route(header, name, body, c)
		if !ok {
			c.log.Warn("router miss, disconnecting peer",
				zap.String("protocol", name), zap.Uint64("conn", c.id))
			return
		}
	}
}

// Write sends an RPC reply frame. Held under writeMu so two concurrent
// handlers on one connection never interleave frames.
func (c *Connection) Write(codecType protocol.CodecType, seq uint32, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.EncodeResponse(c.nc, &protocol.ResponseHeader{
		CodecType: codecType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}, body)
}

// WritePush sends a push frame to a subscribed connection.
func (c *Connection) WritePush(codecType protocol.CodecType, topic string, body []byte, mode protocol.Mode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.EncodePush(c.nc, &protocol.PushHeader{
		CodecType:   codecType,
		Mode:        mode,
		ProtocolLen: uint32(len(topic)),
		BodyLen:     uint32(len(body)),
	}, topic, body)
}

// Disconnect closes the underlying socket, unblocking the read loop with an
// error. Safe to call multiple times and from any goroutine.
func (c *Connection) Disconnect() {
	c.close()
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.nc.Close()
		if c.tainted.Load() && c.removeAll != nil {
			c.removeAll(c)
		}
	})
}
