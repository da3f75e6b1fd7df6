// Package session implements the client-side multiplexed connection: lazy
// connect with bounded backoff, one shared socket serving many concurrent
// callers via seq correlation, a background receive loop that routes
// response and push frames, and a single-writer async outbound queue for
// fire-and-forget sends and async RPC.
//
// A session doesn't dial until its first call; a dial failure is retried
// with a fixed backoff until an overall timeout elapses rather than
// failing immediately, so a client started before its server is fully up
// still works.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wirebus/protocol"
)

// ErrClosed is returned by any call made after Close.
var ErrClosed = errors.New("session: closed")

// connectBackoff is the fixed delay between dial attempts while a call is
// waiting for a connection to come up, mirroring client_base's retry loop.
const connectBackoff = 20 * time.Millisecond

// asyncQueueSize bounds the outbound FIFO of already-encoded frames waiting
// on the single writer goroutine. A full queue means the caller is producing
// async sends faster than the socket can drain them; EnqueueSend/AsyncCall
// report that back as an error rather than growing the queue without bound.
const asyncQueueSize = 256

// PushHandler is invoked from the receive loop for every push frame this
// session's connection receives. Wired up by subclient; rpcclient and
// pubclient leave it nil.
type PushHandler func(h *protocol.PushHeader, topic string, body []byte)

type pendingCall struct {
	respCh chan response
	timer  *time.Timer
}

type response struct {
	header *protocol.ResponseHeader
	body   []byte
	err    error
}

// Session owns one lazily-dialed TCP connection to a single server address
// and multiplexes every RPC call and fire-and-forget send over it.
type Session struct {
	addr    string
	timeout time.Duration
	log     *zap.Logger

	connMu    sync.Mutex
	nc        net.Conn
	onConnect func()

	sending sync.Mutex
	seq     atomic.Uint32
	pending sync.Map // uint32 -> *pendingCall

	onPush PushHandler

	// asyncQueue is the outbound send queue (spec.md §3): a FIFO of
	// already-encoded byte buffers drained by the single writer goroutine
	// started in New. At most one write is outstanding on the socket at a
	// time, since the writer goroutine only ever has one buffer in flight;
	// it naturally re-arms by looping back to the channel receive once that
	// write completes. A write error clears whatever is left queued.
	asyncQueue chan []byte
	asyncDone  chan struct{}
	closeOnce  sync.Once

	closed  atomic.Bool
	tainted atomic.Bool
}

// New creates a session for addr. timeout bounds both the lazy-connect
// backoff loop and how long a Call waits for its response before failing.
func New(addr string, timeout time.Duration, onPush PushHandler, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Session{
		addr:       addr,
		timeout:    timeout,
		onPush:     onPush,
		log:        log,
		asyncQueue: make(chan []byte, asyncQueueSize),
		asyncDone:  make(chan struct{}),
	}
	go s.asyncWriteLoop()
	return s
}

// Addr returns the address this session connects to.
func (s *Session) Addr() string { return s.addr }

// MarkTainted records that this session has carried a subscriber-kind
// frame. Sticky for the session's lifetime, same as the server-side
// connection's taint flag.
func (s *Session) MarkTainted() { s.tainted.Store(true) }

// Tainted reports whether this session has ever subscribed to a topic.
func (s *Session) Tainted() bool { return s.tainted.Load() }

// SetOnConnect registers fn to run every time ensureConn performs a fresh
// dial, including reconnects after a dropped connection. subclient uses
// this to resubscribe its local topic table once the new socket is up.
// fn runs synchronously on the dialing goroutine, before ensureConn returns
// the new connection to its caller, so a resubscribe is guaranteed to have
// gone out before any application call that triggered the dial proceeds.
// Other goroutines may already write on the new connection while fn runs.
func (s *Session) SetOnConnect(fn func()) {
	s.connMu.Lock()
	s.onConnect = fn
	s.connMu.Unlock()
}

// ensureConn dials addr if not already connected, retrying every
// connectBackoff until timeout elapses. On a fresh dial it also starts the
// recv loop that will own reads from this connection for its lifetime.
func (s *Session) ensureConn() (net.Conn, error) {
	s.connMu.Lock()

	if s.nc != nil {
		nc := s.nc
		s.connMu.Unlock()
		return nc, nil
	}
	if s.closed.Load() {
		s.connMu.Unlock()
		return nil, ErrClosed
	}

	deadline := time.Now().Add(s.timeout)
	var lastErr error
	for {
		nc, err := net.DialTimeout("tcp", s.addr, s.timeout)
		if err == nil {
			if tc, ok := nc.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			s.nc = nc
			onConnect := s.onConnect
			go s.recvLoop(nc)
			// connMu is released before the hook runs, because the hook
			// writes through Send, which calls ensureConn and takes connMu
			// again. The hook still runs synchronously, so the caller that
			// triggered the dial gets the connection only after it is done.
			s.connMu.Unlock()
			if onConnect != nil {
				onConnect()
			}
			return nc, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			s.connMu.Unlock()
			return nil, fmt.Errorf("session: connect to %s: %w", s.addr, lastErr)
		}
		time.Sleep(connectBackoff)
	}
}

// dropConn clears the current connection after an I/O error so the next
// call re-dials instead of reusing a dead socket.
func (s *Session) dropConn(nc net.Conn) {
	s.connMu.Lock()
	if s.nc == nc {
		s.nc = nil
	}
	s.connMu.Unlock()
	_ = nc.Close()
	s.failAllPending(fmt.Errorf("session: connection to %s lost", s.addr))
}

func (s *Session) failAllPending(err error) {
	s.pending.Range(func(key, value any) bool {
		s.pending.Delete(key)
		pc := value.(*pendingCall)
		pc.timer.Stop()
		select {
		case pc.respCh <- response{err: err}:
		default:
		}
		return true
	})
}

// Call sends a KindRPC request and blocks for its matching response, or
// until the session timeout elapses.
func (s *Session) Call(codecType protocol.CodecType, mode protocol.Mode, name string, body []byte) (*protocol.ResponseHeader, []byte, error) {
	nc, err := s.ensureConn()
	if err != nil {
		return nil, nil, err
	}

	seq, pc := s.registerPending(name)

	h := &protocol.RequestHeader{
		CodecType:   codecType,
		Mode:        mode,
		Kind:        protocol.KindRPC,
		Seq:         seq,
		ProtocolLen: uint32(len(name)),
		BodyLen:     uint32(len(body)),
	}

	s.sending.Lock()
	writeErr := protocol.EncodeRequest(nc, h, name, body)
	s.sending.Unlock()
	if writeErr != nil {
		s.pending.Delete(seq)
		pc.timer.Stop()
		s.dropConn(nc)
		return nil, nil, writeErr
	}

	resp := <-pc.respCh
	return resp.header, resp.body, resp.err
}

// Send writes a one-way frame (publisher, or subscribe/unsubscribe control)
// and does not wait for a response.
func (s *Session) Send(codecType protocol.CodecType, mode protocol.Mode, kind protocol.Kind, name string, body []byte) error {
	nc, err := s.ensureConn()
	if err != nil {
		return err
	}
	h := &protocol.RequestHeader{
		CodecType:   codecType,
		Mode:        mode,
		Kind:        kind,
		Seq:         s.seq.Add(1),
		ProtocolLen: uint32(len(name)),
		BodyLen:     uint32(len(body)),
	}
	s.sending.Lock()
	defer s.sending.Unlock()
	writeErr := protocol.EncodeRequest(nc, h, name, body)
	if writeErr != nil {
		s.dropConn(nc)
	}
	return writeErr
}

// registerPending assigns the next seq, registers a pendingCall for it in
// the in-flight table, and arms its timeout timer. Shared by the
// synchronous Call path and the async enqueueing paths below.
func (s *Session) registerPending(name string) (uint32, *pendingCall) {
	seq := s.seq.Add(1)
	pc := &pendingCall{respCh: make(chan response, 1)}
	pc.timer = time.AfterFunc(s.timeout, func() {
		if _, loaded := s.pending.LoadAndDelete(seq); loaded {
			select {
			case pc.respCh <- response{err: fmt.Errorf("session: call %q timed out", name)}:
			default:
			}
		}
	})
	s.pending.Store(seq, pc)
	return seq, pc
}

// EnqueueSend encodes a one-way frame and posts it to the async outbound
// queue instead of writing it inline; the single writer goroutine (started
// in New) drains the queue and performs the actual socket write. Returns
// once the frame is queued, not once it has been flushed — this is the
// async counterpart of Send, used by pubclient's Async* surface.
func (s *Session) EnqueueSend(codecType protocol.CodecType, mode protocol.Mode, kind protocol.Kind, name string, body []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	h := &protocol.RequestHeader{
		CodecType:   codecType,
		Mode:        mode,
		Kind:        kind,
		Seq:         s.seq.Add(1),
		ProtocolLen: uint32(len(name)),
		BodyLen:     uint32(len(body)),
	}
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, h, name, body); err != nil {
		return err
	}
	return s.enqueue(buf.Bytes())
}

// AsyncCall encodes a KindRPC request, registers its seq in the in-flight
// table, and posts the frame to the async outbound queue rather than
// writing it inline (spec.md §4.7's async_call_one_way). Once the frame is
// queued, fn is invoked exactly once, from a goroutine separate from the
// writer: when the recv loop demuxes the matching response by seq, or when
// the call fails (timeout, lost connection, Close). If the frame cannot be
// encoded or queued, AsyncCall returns that error and fn is never invoked.
func (s *Session) AsyncCall(codecType protocol.CodecType, mode protocol.Mode, name string, body []byte, fn func(body []byte, err error)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	seq, pc := s.registerPending(name)
	h := &protocol.RequestHeader{
		CodecType:   codecType,
		Mode:        mode,
		Kind:        protocol.KindRPC,
		Seq:         seq,
		ProtocolLen: uint32(len(name)),
		BodyLen:     uint32(len(body)),
	}
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, h, name, body); err != nil {
		s.pending.Delete(seq)
		pc.timer.Stop()
		return err
	}
	if err := s.enqueue(buf.Bytes()); err != nil {
		s.pending.Delete(seq)
		pc.timer.Stop()
		return err
	}

	go func() {
		resp := <-pc.respCh
		fn(resp.body, resp.err)
	}()
	return nil
}

// enqueue posts an already-encoded frame to the async writer. Non-blocking:
// a full queue means the writer can't keep up, and the caller gets that
// back as an error instead of blocking indefinitely or growing the queue
// without bound.
func (s *Session) enqueue(buf []byte) error {
	select {
	case s.asyncQueue <- buf:
		return nil
	default:
		return fmt.Errorf("session: async queue full, dropping frame")
	}
}

// asyncWriteLoop is the single writer task draining the outbound queue: it
// dials lazily via ensureConn, writes one buffer at a time under the same
// sending mutex Call/Send use (so async and sync writes never interleave
// on the wire), and clears the rest of the queue on any write error, per
// spec.md §3's "queue is cleared on I/O error" invariant.
func (s *Session) asyncWriteLoop() {
	for {
		select {
		case buf := <-s.asyncQueue:
			s.writeAsyncBuf(buf)
		case <-s.asyncDone:
			return
		}
	}
}

func (s *Session) writeAsyncBuf(buf []byte) {
	nc, err := s.ensureConn()
	if err != nil {
		s.log.Debug("async write: connect failed, dropping queued frame", zap.Error(err))
		return
	}

	s.sending.Lock()
	_, err = nc.Write(buf)
	s.sending.Unlock()
	if err != nil {
		s.dropConn(nc)
		s.drainAsyncQueue()
	}
}

// drainAsyncQueue empties whatever is left queued after a write error, so a
// dead connection's backlog isn't silently replayed onto the next
// reconnect in a burst.
func (s *Session) drainAsyncQueue() {
	for {
		select {
		case <-s.asyncQueue:
		default:
			return
		}
	}
}

// recvLoop owns all reads from nc for its lifetime, routing response
// frames to their caller by seq and push frames to onPush.
func (s *Session) recvLoop(nc net.Conn) {
	for {
		frame, err := protocol.DecodeServerFrame(nc)
		if err != nil {
			s.dropConn(nc)
			return
		}

		switch frame.Type {
		case protocol.FrameTypeResponse:
			v, ok := s.pending.LoadAndDelete(frame.Seq)
			if !ok {
				// The caller already gave up on this seq (timeout) before
				// the response arrived. Nothing to route it to.
				s.log.Debug("dropping response for unknown seq", zap.Uint32("seq", frame.Seq))
				continue
			}
			pc := v.(*pendingCall)
			pc.timer.Stop()
			select {
			case pc.respCh <- response{header: &protocol.ResponseHeader{CodecType: frame.CodecType, Seq: frame.Seq, BodyLen: uint32(len(frame.Body))}, body: frame.Body}:
			default:
			}

		case protocol.FrameTypePush:
			if s.onPush != nil {
				s.onPush(&protocol.PushHeader{CodecType: frame.CodecType, Mode: frame.Mode, ProtocolLen: uint32(len(frame.Topic)), BodyLen: uint32(len(frame.Body))}, frame.Topic, frame.Body)
			}
		}
	}
}

// Close tears down the connection, stops the async writer, and fails every
// pending call.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() { close(s.asyncDone) })
	s.connMu.Lock()
	nc := s.nc
	s.nc = nil
	s.connMu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
	s.failAllPending(ErrClosed)
	return nil
}
