// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	merrors "github.com/absmach/mecho/pkg/errors"
	"github.com/absmach/mecho/pkg/metrics"
	"github.com/absmach/mecho/pkg/pipeline"
	"github.com/absmach/mecho/pkg/ratelimit"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrServerClosed is returned by Start once the server was shut down.
	ErrServerClosed = errors.New("server closed")

	errAlreadyStarted = errors.New("server already started")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// TCPKeepAlive is the keep-alive period of accepted sockets. Negative
	// disables keep-alives.
	TCPKeepAlive time.Duration

	// DisableNoDelay re-enables Nagle's algorithm on accepted sockets.
	DisableNoDelay bool

	// ReusePort sets SO_REUSEPORT on the listening socket where supported.
	ReusePort bool

	// Limiter refuses connections from hosts that connect too fast. Optional.
	Limiter *ratelimit.Limiter

	// Metrics records rejected accepts. Optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP connections and hands each one to the pipeline on its
// own goroutine. A failure on one connection never affects the others.
type Server struct {
	config   Config
	pipeline *pipeline.Pipeline

	mu       sync.Mutex
	listener net.Listener
	conns    map[*pipeline.Connection]struct{}
	closed   bool

	wg         sync.WaitGroup
	acceptDone chan struct{}
	connCancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// New creates a new TCP server serving every connection through p.
func New(cfg Config, p *pipeline.Pipeline) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config:     cfg,
		pipeline:   p,
		conns:      make(map[*pipeline.Connection]struct{}),
		acceptDone: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start binds the listening socket and starts accepting in the background.
// It returns once the socket is bound; bind failures wrap merrors.ErrBind.
// Connections are served until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return errAlreadyStarted
	}

	lc := net.ListenConfig{KeepAlive: -1}
	if s.config.ReusePort {
		lc.Control = reusePort
	}
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return merrors.WrapKind(merrors.ErrBind, fmt.Errorf("listen on %s: %w", s.config.Address, err))
	}
	s.listener = ln

	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.connCancel = connCancel

	s.config.Logger.Info("TCP server started",
		slog.String("address", ln.Addr().String()),
		slog.String("protocol", s.pipeline.Protocol()))

	go s.acceptLoop(connCtx, ln)
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.Shutdown(sctx)
	})

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Active returns the number of connections being served.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, asks every connection to drain and waits for
// them until ctx is done or ShutdownTimeout elapses. Connections still open
// then are closed forcefully and ErrShutdownTimeout is returned.
// Only the first call has an effect; later calls return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
		close(s.stopped)
	})
	<-s.stopped
	return s.shutdownErr
}

// Wait blocks until the server was shut down and returns the shutdown result.
func (s *Server) Wait() error {
	<-s.stopped
	return s.shutdownErr
}

// Listen starts the server and blocks until ctx is cancelled and every
// connection has been closed.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*pipeline.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.Int("active", len(conns)))

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-s.acceptDone

	for _, c := range conns {
		c.Drain()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.connCancel()
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure",
		slog.Int("active", s.Active()))
	s.connCancel()
	<-done

	return ErrShutdownTimeout
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(s.acceptDone)

	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Descriptor exhaustion and aborted handshakes are transient.
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		if l := s.config.Limiter; l != nil && !l.Allow(raw.RemoteAddr()) {
			s.reject(raw, "rate_limited")
			continue
		}

		s.configure(raw)
		c := s.pipeline.Accept(raw)
		if !s.track(c) {
			c.Close(ErrServerClosed)
			continue
		}

		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			if err := s.pipeline.Serve(ctx, c); err != nil {
				s.config.Logger.Debug("connection handler error",
					slog.String("session", c.ID()),
					slog.String("remote", c.RemoteAddr()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *Server) configure(raw net.Conn) {
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(!s.config.DisableNoDelay); err != nil {
		s.config.Logger.Debug("failed to set TCP_NODELAY", slog.String("error", err.Error()))
	}
	if s.config.TCPKeepAlive < 0 {
		tc.SetKeepAlive(false)
		return
	}
	if s.config.TCPKeepAlive > 0 {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(s.config.TCPKeepAlive)
	}
}

func (s *Server) reject(raw net.Conn, reason string) {
	s.config.Logger.Debug("connection rejected",
		slog.String("remote", raw.RemoteAddr().String()),
		slog.String("reason", reason))
	if m := s.config.Metrics; m != nil {
		m.AcceptRejected.WithLabelValues(reason).Inc()
	}
	raw.Close()
}

// track registers c unless the server is shutting down.
func (s *Server) track(c *pipeline.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *pipeline.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
