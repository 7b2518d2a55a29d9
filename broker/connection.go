// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/minimq/broker/events"
	"github.com/absmach/minimq/codec"
	"github.com/google/uuid"
)

// Disconnect reasons reported to webhooks and metrics.
const (
	ReasonNormal   = "normal"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
	ReasonError    = "error"
)

var errConnClosed = errors.New("connection closed")

// Connection is one client connection. The read loop decodes and dispatches
// frames in order; a writer goroutine owns the write side.
type Connection struct {
	broker *Broker
	conn   net.Conn
	reader *codec.Reader
	writer *bufio.Writer

	id     string
	remote string

	outbound   chan codec.Frame
	writerDone chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	reason    string

	logger *slog.Logger
}

func newConnection(b *Broker, netConn net.Conn) *Connection {
	id := uuid.NewString()
	remote := ""
	if addr := netConn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Connection{
		broker:     b,
		conn:       netConn,
		reader:     codec.NewReader(bufio.NewReaderSize(netConn, 65536), b.cfg.MaxFieldSize),
		writer:     bufio.NewWriterSize(netConn, 65536),
		id:         id,
		remote:     remote,
		outbound:   make(chan codec.Frame, b.cfg.OutboundBuffer),
		writerDone: make(chan struct{}),
		closeCh:    make(chan struct{}),
		logger:     b.logger.With("conn_id", id, "remote", remote),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// run executes the connection lifecycle.
func (c *Connection) run() error {
	c.broker.stats.IncrementConnections()
	if m := c.broker.getMetrics(); m != nil {
		m.RecordConnection()
	}
	c.logger.Debug("connection opened")

	go c.writeLoop()
	defer c.cleanup()

	return c.readLoop()
}

func (c *Connection) readLoop() error {
	cfg := c.broker.cfg
	for {
		select {
		case <-c.closeCh:
			return nil
		default:
		}

		if !c.armRead(cfg.IdleTimeout) {
			return nil
		}
		kind, err := c.reader.ReadKind()
		if err != nil {
			return c.readError(err)
		}

		if !c.armRead(cfg.ReadTimeout) {
			return nil
		}
		frame, err := c.reader.ReadBody(kind)
		if err != nil {
			return c.readError(err)
		}
		c.broker.stats.AddBytesReceived(uint64(codec.Size(frame)))

		if err := c.dispatch(frame); err != nil {
			if errors.Is(err, errConnClosed) {
				return nil
			}
			c.broker.stats.IncrementProtocolErrors()
			c.close(ReasonError)
			return err
		}
	}
}

// armRead sets the deadline of the next read and reports whether the
// connection is still open. The check must follow the deadline: shutdown
// marks the connection closed before it expires the deadline.
func (c *Connection) armRead(timeout time.Duration) bool {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return !c.closed.Load()
}

// readError classifies a read failure and records the disconnect reason.
func (c *Connection) readError(err error) error {
	if c.closed.Load() {
		return nil
	}
	if errors.Is(err, io.EOF) {
		c.close(ReasonNormal)
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.close(ReasonTimeout)
		return fmt.Errorf("read timeout: %w", err)
	}

	var codecErr *codec.Error
	if errors.As(err, &codecErr) {
		c.broker.stats.IncrementProtocolErrors()
		if m := c.broker.getMetrics(); m != nil {
			m.RecordError("protocol")
		}
		c.logger.Warn("protocol error", "error", err)
	}
	c.close(ReasonError)
	return fmt.Errorf("reading frame: %w", err)
}

// send queues a frame for the writer.
func (c *Connection) send(f codec.Frame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.closeCh:
		return errConnClosed
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case f := <-c.outbound:
			if err := c.write(f); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close(ReasonError)
				c.conn.SetReadDeadline(time.Now())
				return
			}
		case <-c.closeCh:
			// Deliver what the read loop queued before the close.
			for {
				select {
				case f := <-c.outbound:
					if err := c.write(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write encodes f and everything queued behind it, then flushes once.
func (c *Connection) write(f codec.Frame) error {
	if timeout := c.broker.cfg.WriteTimeout; timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	var n int
	for {
		if err := codec.Encode(c.writer, f); err != nil {
			return err
		}
		n += codec.Size(f)

		select {
		case f = <-c.outbound:
			continue
		default:
		}
		break
	}

	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.broker.stats.AddBytesSent(uint64(n))
	if m := c.broker.getMetrics(); m != nil {
		m.RecordBytesSent(int64(n))
	}
	return nil
}

// close marks the connection closed. Only the first reason is kept.
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.closed.Store(true)
		close(c.closeCh)
	})
}

// shutdown interrupts a blocked read so the handler returns.
func (c *Connection) shutdown() {
	c.close(ReasonShutdown)
	c.conn.SetReadDeadline(time.Now())
}

func (c *Connection) cleanup() {
	c.close(ReasonNormal)
	<-c.writerDone

	b := c.broker
	for _, r := range b.UnregisterConsumers(c.id) {
		c.logger.Info("consumer disconnected", "consumer_id", r.ConsumerID, "queue", r.Queue, "reason", c.reason)
		b.notify(events.ConsumerDisconnected{
			ConsumerID:   r.ConsumerID,
			QueueName:    r.Queue,
			ConnectionID: c.id,
			Reason:       c.reason,
		})
	}
	b.getLimiter().OnDisconnect(c.id)
	b.unregisterConnection(c)

	b.stats.DecrementConnections()
	if m := b.getMetrics(); m != nil {
		m.RecordDisconnection(c.reason)
	}

	c.conn.Close()
	c.logger.Debug("connection closed", "reason", c.reason)
}
