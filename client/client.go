// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/minimq/codec"
)

// Client is a thread-safe minimq connection. Producer and Consumer are built
// on top of it.
type Client struct {
	opts   *Options
	logger *slog.Logger

	// State management
	state *stateManager

	// Connection
	conn    net.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex
	doneCh  chan struct{}
	lostErr error

	// Requests awaiting a reply
	pending *pendingStore
}

// New creates a new client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)

	return &Client{
		opts:    opts,
		logger:  logger,
		state:   newStateManager(),
		doneCh:  done,
		pending: newPendingStore(opts.MaxInflight),
	}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, opts *Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes a connection to the broker. A client whose connection
// was lost may connect again.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.transition(StateConnecting, StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.doneCh = done
	c.lostErr = nil
	c.connMu.Unlock()

	if !c.state.transition(StateConnecting, StateConnected) {
		conn.Close()
		return ErrClientClosed
	}

	go c.readLoop(conn, done)
	c.logger.Debug("connected", "address", c.opts.Address)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if c.opts.Dialer != nil {
		return c.opts.Dialer(ctx, c.opts.Address)
	}

	d := &net.Dialer{}
	if c.opts.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.opts.TLSConfig}
		return td.DialContext(ctx, "tcp", c.opts.Address)
	}
	return d.DialContext(ctx, "tcp", c.opts.Address)
}

// Close permanently closes the client and waits for its reader to stop.
func (c *Client) Close() error {
	c.state.set(StateClosed)

	c.connMu.RLock()
	conn, done := c.conn, c.doneCh
	c.connMu.RUnlock()

	if conn == nil {
		c.pending.clear(ErrClientClosed)
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.doneCh
}

// Err returns why the last connection ended, or nil while it is alive.
func (c *Client) Err() error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.lostErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, c.lostErr)
}

// write sends a frame that expects no reply.
func (c *Client) write(f codec.Frame) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}
	buf, err := codec.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(f.Kind(), buf)
}

// request sends a frame and waits for the broker's reply to it.
func (c *Client) request(ctx context.Context, f codec.Frame) (codec.Frame, error) {
	if !c.state.isConnected() {
		return nil, ErrNotConnected
	}
	buf, err := codec.Marshal(f)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	op, err := c.pending.add()
	if err != nil {
		c.writeMu.Unlock()
		return nil, err
	}
	if err := c.writeLocked(f.Kind(), buf); err != nil {
		c.pending.remove(op)
		c.writeMu.Unlock()
		return nil, err
	}
	c.writeMu.Unlock()

	return op.wait(ctx, c.opts.RequestTimeout)
}

func (c *Client) writeLocked(kind codec.Kind, buf []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err == nil {
		_, err = conn.Write(buf)
	}
	if err != nil {
		// A partial frame leaves the stream unusable; the read loop reports
		// the teardown.
		conn.Close()
		return fmt.Errorf("%w: failed to write %s frame: %w", ErrConnectionLost, kind, err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	r := codec.NewReader(conn, c.opts.MaxFieldSize)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			c.handleConnectionLost(conn, err)
			return
		}
		if err := c.handleFrame(f); err != nil {
			c.handleConnectionLost(conn, err)
			return
		}
	}
}

func (c *Client) handleFrame(f codec.Frame) error {
	switch f.(type) {
	case codec.Deliver, codec.Empty, codec.Ack, codec.Reject:
		if !c.pending.complete(f) {
			c.logger.Warn("unsolicited reply", "kind", f.Kind())
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Kind())
	}
}

func (c *Client) handleConnectionLost(conn net.Conn, err error) {
	conn.Close()

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.lostErr = err
	c.connMu.Unlock()

	if c.state.isClosed() {
		c.pending.clear(ErrClientClosed)
		return
	}
	c.state.transition(StateConnected, StateDisconnected)
	c.pending.clear(fmt.Errorf("%w: %w", ErrConnectionLost, err))

	if errors.Is(err, io.EOF) {
		c.logger.Info("connection closed by broker", "address", c.opts.Address)
	} else {
		c.logger.Warn("connection lost", "address", c.opts.Address, "error", err)
	}

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(err)
	}
}

// expectAck maps the reply to a Connect or Bind frame to an error.
func expectAck(reply codec.Frame, err error) error {
	if err != nil {
		return err
	}
	switch r := reply.(type) {
	case codec.Ack:
		return nil
	case codec.Reject:
		return &RejectError{Name: r.Name, Queue: r.Queue, Reason: r.Reason}
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, reply.Kind())
	}
}
