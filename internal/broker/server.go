package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/registry"
	"github.com/dreamware/topicbroker/internal/transport"
)

// ErrServerClosed is returned by Serve once the server is shutting down or
// its context has been cancelled.
var ErrServerClosed = errors.New("broker: server closed")

// Server accepts connections and runs a handler for each one.
//
// Thread Safety:
// Serve, ServeConn and Shutdown may be called from different goroutines.
// A Server is not reusable after Shutdown.
type Server struct {
	reg    *registry.Registry
	router *Router
	opts   options
	log    *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[transport.Conn]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewServer creates a Server that registers connections in reg.
func NewServer(reg *registry.Registry, opts ...Option) *Server {
	o := newOptions(opts)
	return &Server{
		reg:       reg,
		router:    newRouter(reg, o),
		opts:      o,
		log:       o.log.With(logger.Component("broker")),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[transport.Conn]struct{}),
	}
}

// Registry returns the registry the server writes to.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Router returns the router used for publisher messages.
func (s *Server) Router() *Router { return s.router }

// Stats returns the per-topic counters.
func (s *Server) Stats() *TopicStats { return s.opts.stats }

// Serve accepts TCP connections on ln until ctx is cancelled or Shutdown is
// called, and always returns a non-nil error. Each connection is served on
// its own goroutine. Accept errors other than listener closure are logged
// and the loop continues after a short backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	s.log.Info("listening", slog.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			backoff = nextBackoff(backoff)
			s.log.Warn("accept failed", logger.Error(err), logger.Duration(backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		backoff = 0

		conn := transport.NewStreamConn(nc,
			transport.WithWriteTimeout(s.opts.writeTimeout),
			transport.WithMaxFrameSize(s.opts.maxFrameSize),
		)
		if !s.trackConn(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.untrackConn(conn)
			s.serve(ctx, conn)
		}()
	}
}

// ServeConn runs the handler for an already established connection and
// blocks until it terminates. It is used for carriers accepted elsewhere,
// such as WebSocket upgrades.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	if !s.trackConn(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrackConn(conn)
	s.serve(ctx, conn)
}

func (s *Server) serve(ctx context.Context, conn transport.Conn) {
	s.opts.metrics.connectionOpened()
	defer s.opts.metrics.connectionClosed()

	s.log.Info("new connection", logger.Peer(conn.Identity()))
	newHandler(s, conn).run(ctx)
}

// Shutdown stops every listener, closes every active connection and waits
// for their handlers to finish or for ctx to expire. No message is sent to
// peers. Close errors are combined into the returned error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close listener %s: %w", ln.Addr(), cerr))
		}
	}
	conns := make([]transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", logger.Count("connections", len(conns)))
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil && !isDisconnect(cerr) {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.Identity(), cerr))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("shutdown complete")
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for handlers: %w", ctx.Err()))
	}
	return err
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

// trackConn records conn and adds it to the wait group while holding the
// lock Shutdown uses, so no handler starts after Shutdown begins waiting.
func (s *Server) trackConn(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func nextBackoff(d time.Duration) time.Duration {
	const maxBackoff = time.Second
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > maxBackoff {
		return maxBackoff
	}
	return d
}
