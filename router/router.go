// Package router implements the single handler table multiplexing every
// inbound frame kind: RPC calls are dispatched to a bound function and
// answered with a response frame, publish frames fan out through the topic
// registry, and subscribe/unsubscribe frames mutate it. Handlers are
// flattened to single functions (no ServiceName.MethodName split) bound
// directly by protocol name — BindFunc below is an opt-in reflection-based
// convenience layered on top of a plain []byte-in/[]byte-out core, not a
// replacement for it.
package router

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wirebus/codec"
	"wirebus/middleware"
	"wirebus/protocol"
)

// Conn is the narrow view of a connection the router needs to answer an
// RPC call or be told about a subscribe/publish frame. *conn.Connection
// satisfies this structurally; router never imports conn.
type Conn interface {
	ID() uint64
	Write(codecType protocol.CodecType, seq uint32, body []byte) error
}

// RawHandler is the mandated untyped core contract: a protocol name maps
// to a function from request body to response body. No reflection, no
// signature introspection — callers that want typed Args/Reply handlers
// use BindFunc, which builds one of these underneath.
type RawHandler func(body []byte) ([]byte, error)

// PublishHandler observes a publisher-kind frame after Route has recorded
// it; wired to the topic manager's Publish by the server.
type PublishHandler func(topic string, body []byte, codecType protocol.CodecType, mode protocol.Mode) int

// SubscribeHandler is invoked for a subscriber-kind frame; wired to the
// topic manager's AddTopic/RemoveTopic by the server.
type SubscribeHandler func(topic string, subscribe bool, c Conn)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// boundFunc is the reflection metadata behind one BindFunc registration:
// a plain func value instead of a struct method, so there is no receiver
// to carry alongside ArgType/ReplyType.
type boundFunc struct {
	fn        reflect.Value
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type entry struct {
	raw   RawHandler
	typed *boundFunc
}

// Router owns the protocol-name -> handler table plus an optional
// worker-pool semaphore and duplicate-dispatch collapsing.
type Router struct {
	mu      sync.RWMutex
	entries map[string]entry

	sem   chan struct{}
	group singleflight.Group

	onPublish   PublishHandler
	onSubscribe SubscribeHandler

	chain middleware.Middleware

	log *zap.Logger
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithWorkerLimit bounds how many handler invocations may run concurrently
// across the whole router. 0 (the default) means unbounded.
func WithWorkerLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithMiddleware wraps every RPC dispatch (raw or BindFunc-typed alike) in
// the given chain, applied outermost-first, matching middleware.Chain's
// ordering. The innermost handler the chain wraps is the matched entry's
// own invoke step, so cross-cutting concerns (logging, timeouts, rate
// limits) apply uniformly regardless of which handler variant answers a
// given protocol name.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Router) {
		if len(mws) > 0 {
			r.chain = middleware.Chain(mws...)
		}
	}
}

// New creates an empty Router. onPublish and onSubscribe back publisher-
// and subscriber-kind frames; both may be nil for a pure-RPC router (e.g.
// in tests).
func New(onPublish PublishHandler, onSubscribe SubscribeHandler, opts ...Option) *Router {
	r := &Router{
		entries:     make(map[string]entry),
		onPublish:   onPublish,
		onSubscribe: onSubscribe,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind registers a raw handler under name. Returns an error if name is
// already bound — the handler table enforces unique names, it never
// silently overwrites.
func (r *Router) Bind(name string, h RawHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("router: %q is already bound", name)
	}
	r.entries[name] = entry{raw: h}
	return nil
}

// BindFunc registers fn, which must have the shape
//
//	func(args *ArgsType, reply *ReplyType) error
//
// as a typed handler under name. The request body is decoded into a fresh
// ArgsType using the codec named by the frame's CodecType, fn is invoked
// by reflection, and the resulting ReplyType is encoded back with the same
// codec.
func (r *Router) BindFunc(name string, fn any) error {
	typ := reflect.TypeOf(fn)
	if typ == nil || typ.Kind() != reflect.Func {
		return fmt.Errorf("router: BindFunc requires a function, got %T", fn)
	}
	if typ.NumIn() != 2 || typ.NumOut() != 1 {
		return fmt.Errorf("router: %q must have signature func(*Args, *Reply) error", name)
	}
	if typ.Out(0) != errorType {
		return fmt.Errorf("router: %q must return error", name)
	}
	if typ.In(0).Kind() != reflect.Ptr || typ.In(1).Kind() != reflect.Ptr {
		return fmt.Errorf("router: %q arguments must both be pointers", name)
	}

	b := &boundFunc{
		fn:        reflect.ValueOf(fn),
		ArgType:   typ.In(0).Elem(),
		ReplyType: typ.In(1).Elem(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("router: %q is already bound", name)
	}
	r.entries[name] = entry{typed: b}
	return nil
}

// Unbind removes any handler registered under name, raw or typed.
func (r *Router) Unbind(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// BoundNames returns every currently-bound protocol name, for a server
// that mirrors its handler table into an external service registry.
func (r *Router) BoundNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// IsBind reports whether name currently has a handler registered.
func (r *Router) IsBind(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func (r *Router) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Route dispatches one decoded request frame. It returns false when no
// handler and no publish/subscribe callback could take the frame — the
// caller (conn.Connection) treats that as a protocol violation and
// disconnects the peer.
func (r *Router) Route(h *protocol.RequestHeader, name string, body []byte, c Conn) bool {
	switch h.Kind {
	case protocol.KindPublisher:
		if r.onPublish == nil {
			return false
		}
		r.onPublish(name, body, h.CodecType, h.Mode)
		return true

	case protocol.KindSubscriber:
		if name == protocol.HeartbeatProtocolName {
			// A liveness ping, not a subscribe/cancel request. Nothing to
			// route; the connection merely needed to carry traffic.
			return true
		}
		if r.onSubscribe == nil {
			return false
		}
		switch {
		case bytes.Equal(body, protocol.SubscribeBody):
			r.onSubscribe(name, true, c)
		case bytes.Equal(body, protocol.UnsubscribeBody):
			r.onSubscribe(name, false, c)
		default:
			r.log.Warn("unrecognized subscriber frame body, ignoring",
				zap.String("topic", name), zap.Int("body_len", len(body)))
		}
		return true

	case protocol.KindRPC:
		e, ok := r.lookup(name)
		if !ok {
			return false
		}
		// Handed off to the worker pool so the caller (conn.Start's read
		// loop) can re-arm its next header read immediately instead of
		// blocking on handler execution — this is what makes pipelined
		// requests from one peer possible.
		go r.dispatch(h, name, body, c, e)
		return true

	default:
		return false
	}
}

// dispatch runs the matched handler, bounded by the worker semaphore and
// deduplicated via singleflight, then writes the response. Runs on its own
// goroutine handed off by Route, never on the conn read-loop goroutine.
func (r *Router) dispatch(h *protocol.RequestHeader, name string, body []byte, c Conn, e entry) {
	if r.sem != nil {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
	}

	invokeFn := middleware.HandlerFunc(func(ctx context.Context, name string, body []byte) ([]byte, error) {
		return r.invoke(h, name, body, e)
	})
	if r.chain != nil {
		invokeFn = r.chain(invokeFn)
	}

	key := fmt.Sprintf("%d:%d:%s", c.ID(), h.Seq, name)
	result, err, _ := r.group.Do(key, func() (any, error) {
		return invokeFn(context.Background(), name, body)
	})

	var respBody []byte
	if err != nil {
		r.log.Warn("handler error", zap.String("protocol", name), zap.Error(err))
		respBody = nil
	} else {
		respBody, _ = result.([]byte)
	}
	if werr := c.Write(h.CodecType, h.Seq, respBody); werr != nil {
		r.log.Debug("failed to write response", zap.String("protocol", name), zap.Error(werr))
	}
}

func (r *Router) invoke(h *protocol.RequestHeader, name string, body []byte, e entry) ([]byte, error) {
	if e.raw != nil {
		return e.raw(body)
	}

	c := codec.GetCodec(h.CodecType)
	argv := reflect.New(e.typed.ArgType)
	if len(body) > 0 {
		if err := c.Decode(body, argv.Interface()); err != nil {
			return nil, fmt.Errorf("router: decode args for %q: %w", name, err)
		}
	}
	replyv := reflect.New(e.typed.ReplyType)

	results := e.typed.fn.Call([]reflect.Value{argv, replyv})
	if errVal := results[0]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}

	out, err := c.Encode(replyv.Interface())
	if err != nil {
		return nil, fmt.Errorf("router: encode reply for %q: %w", name, err)
	}
	return out, nil
}
