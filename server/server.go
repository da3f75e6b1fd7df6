// Package server wires together the I/O pool, the per-connection state
// machine, the handler router, and the topic manager into the listening
// façade embedders construct: accept a socket, pin it to a loop, let the
// connection's read loop and the router do the rest.
//
// Request processing pipeline:
//
//	Accept conn → ioloop pins it → conn.Start (read loop, one goroutine)
//	  → router.Route → worker goroutine decodes args, invokes handler,
//	    encodes result → conn.Write/WritePush
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"wirebus/conn"
	"wirebus/ioloop"
	"wirebus/middleware"
	"wirebus/protocol"
	"wirebus/registry"
	"wirebus/router"
	"wirebus/topic"
)

// Server listens on one or more TCP endpoints and dispatches every
// connection's frames through a shared Router and Topics manager.
type Server struct {
	pool   *ioloop.Pool
	Router *router.Router
	Topics *topic.Manager
	log    *zap.Logger

	reg           registry.Registry
	advertiseAddr string

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	closed    bool
	conns     sync.Map // uint64 -> *conn.Connection, active connections
}

// config accumulates Option side effects before New builds Router/Topics,
// since both of those need several of the options' values at construction
// time (worker limit, middleware chain, logger).
type config struct {
	loops       int
	workerLimit int
	mws         []middleware.Middleware
	log         *zap.Logger
	reg         registry.Registry
	advertise   string
}

// Option configures a Server at construction time.
type Option func(*config)

// WithLoops sets the I/O pool size. <=0 defaults to runtime.GOMAXPROCS(0).
func WithLoops(n int) Option { return func(c *config) { c.loops = n } }

// WithWorkerLimit bounds concurrent handler invocations across the router.
func WithWorkerLimit(n int) Option { return func(c *config) { c.workerLimit = n } }

// WithLogger attaches a zap logger shared by every component.
func WithLogger(log *zap.Logger) Option { return func(c *config) { c.log = log } }

// WithMiddleware wraps every RPC dispatch in the given middleware chain,
// applied outermost-first, matching middleware.Chain's ordering.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *config) { c.mws = mws }
}

// WithRegistry registers every bound protocol name under advertiseAddr once
// Listen has started its listeners, and deregisters them on Shutdown.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(c *config) { c.reg, c.advertise = reg, advertiseAddr }
}

// New creates a Server. Router and Topics are exported so an embedder that
// wants to bind handlers or publish directly (rather than exclusively
// through accepted connections) can reach them.
func New(opts ...Option) *Server {
	cfg := &config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		pool:          ioloop.NewPool(cfg.loops),
		log:           cfg.log,
		reg:           cfg.reg,
		advertiseAddr: cfg.advertise,
	}
	s.Topics = topic.NewManager(cfg.log)

	routerOpts := []router.Option{router.WithLogger(cfg.log)}
	if cfg.workerLimit > 0 {
		routerOpts = append(routerOpts, router.WithWorkerLimit(cfg.workerLimit))
	}
	if len(cfg.mws) > 0 {
		routerOpts = append(routerOpts, router.WithMiddleware(cfg.mws...))
	}
	s.Router = router.New(s.onPublish, s.onSubscribe, routerOpts...)

	return s
}

// Bind registers a typed handler under name (see router.BindFunc for the
// required `func(*Args, *Reply) error` shape).
func (s *Server) Bind(name string, fn any) error { return s.Router.BindFunc(name, fn) }

// BindRaw registers an untyped []byte-in/[]byte-out handler under name.
func (s *Server) BindRaw(name string, h router.RawHandler) error { return s.Router.Bind(name, h) }

// Unbind removes any handler (typed or raw) registered under name.
func (s *Server) Unbind(name string) { s.Router.Unbind(name) }

// IsBind reports whether name currently has a handler registered.
func (s *Server) IsBind(name string) bool { return s.Router.IsBind(name) }

// onPublish fans a publisher-kind frame's body out to every subscriber of
// topicName, wired as the router's PublishHandler.
func (s *Server) onPublish(topicName string, body []byte, codecType protocol.CodecType, mode protocol.Mode) int {
	return s.Topics.Publish(topicName, body, codecType, mode)
}

// onSubscribe mutates the topic registry for a subscriber-kind frame,
// wired as the router's SubscribeHandler. c is narrowed to topic.Conn via
// an interface-to-interface assertion — it structurally holds a
// *conn.Connection, which satisfies both router.Conn and topic.Conn.
func (s *Server) onSubscribe(topicName string, subscribe bool, c router.Conn) {
	tc, ok := c.(topic.Conn)
	if !ok {
		s.log.Warn("subscriber-kind frame from a connection that can't receive pushes", zap.String("topic", topicName))
		return
	}
	if subscribe {
		s.Topics.AddTopic(topicName, tc)
	} else {
		s.Topics.RemoveTopic(topicName, tc)
	}
}

// Listen starts accepting connections on every addr, pinning each accepted
// connection to a loop from the I/O pool. Returns once every listener is up
// (or the first Listen error), but accepting runs in the background —
// callers should follow with Run to block until Shutdown.
func (s *Server) Listen(addrs ...string) error {
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	if s.reg != nil {
		for _, name := range s.Router.BoundNames() {
			if err := s.reg.Register(name, registry.ServiceInstance{Addr: s.advertiseAddr}, 10); err != nil {
				s.log.Warn("registry: register failed", zap.String("protocol", name), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn("accept error", zap.Error(err))
			return
		}
		loop := s.pool.Next()
		loop.Spawn(func() {
			c := conn.New(nc, s.routeFunc, s.removeAllTopics, s.log)
			s.conns.Store(c.ID(), c)
			defer s.conns.Delete(c.ID())
			c.Start()
		})
	}
}

func (s *Server) routeFunc(h *protocol.RequestHeader, name string, body []byte, c *conn.Connection) bool {
	return s.Router.Route(h, name, body, c)
}

func (s *Server) removeAllTopics(c *conn.Connection) {
	s.Topics.RemoveAllTopics(c)
}

// Run blocks until Shutdown is called.
func (s *Server) Run() { s.pool.Run() }

// Shutdown deregisters every bound protocol name, stops accepting new
// connections, and waits (up to timeout) for accept loops to wind down.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.reg != nil {
		for _, name := range s.Router.BoundNames() {
			_ = s.reg.Deregister(name, s.advertiseAddr)
		}
	}

	s.mu.Lock()
	s.closed = true
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	// Unblock every connection's read loop before waiting on the ioloop
	// pool, or Stop would wait forever for still-open sockets that are
	// blocked in a read with no more traffic coming.
	s.conns.Range(func(_, v any) bool {
		v.(*conn.Connection).Disconnect()
		return true
	})

	s.pool.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for accept loops to stop")
	}
}
