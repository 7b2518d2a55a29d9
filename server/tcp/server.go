// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler serves one accepted connection until it ends.
type Handler interface {
	HandleConnection(conn net.Conn)
}

// Limiter decides whether a new connection from addr is admitted.
type Limiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	Limiter         Limiter
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	DisableNoDelay  bool
}

// Server is a TCP server that accepts connections and delegates them to a handler.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	handler  Handler
	listener net.Listener
	ready    chan struct{}
	connSem  chan struct{}

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		handler: h,
		ready:   make(chan struct{}),
		connSem: connSem,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))
	return listener, nil
}

// runAcceptLoop accepts until ctx ends or the listener closes. Admitted
// connections are served until connCtx is cancelled.
func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for ctx.Err() == nil {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if reason := s.admit(conn); reason != "" {
				s.rejected.Add(1)
				s.config.Logger.Warn("connection rejected",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("reason", reason))
				conn.Close()
				continue
			}

			s.accepted.Add(1)
			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

// admit checks the limiter, takes a connection slot and tunes the socket.
// It returns why the connection was refused, or "" once it holds a slot.
func (s *Server) admit(conn net.Conn) string {
	if l := s.config.Limiter; l != nil && !l.Allow(conn.RemoteAddr()) {
		return "rate limited"
	}

	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
		default:
			return "connection limit reached"
		}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := s.configureTCPConn(tcpConn); err != nil {
			s.releaseSlot()
			return err.Error()
		}
	}
	return ""
}

func (s *Server) releaseSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

// handleConnection serves one admitted connection. Cancelling connCtx
// force-closes it.
func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()

	stop := context.AfterFunc(connCtx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		// The broker reads frames only from an established session.
		if err := tlsConn.HandshakeContext(connCtx); err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}

	s.handler.HandleConnection(conn)
}

// gracefulShutdown closes the listener and waits for served connections to
// end. After ShutdownTimeout the remaining ones are force-closed.
func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		err = ErrShutdownTimeout
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	accepted, rejected := s.Stats()
	s.config.Logger.Info("TCP server stopped",
		slog.Uint64("accepted", accepted),
		slog.Uint64("rejected", rejected))
	return err
}

// configureTCPConn sets TCP socket options.
func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable: true,
			Idle:   s.config.TCPKeepAlive,
		}); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
	}
	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return nil
}

// Stats returns how many connections were admitted and refused.
func (s *Server) Stats() (accepted, rejected uint64) {
	return s.accepted.Load(), s.rejected.Load()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
