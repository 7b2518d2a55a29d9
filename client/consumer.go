// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/minimq/codec"
)

// Consumer polls one queue. Consumers sharing a queue name compete for its
// payloads and the broker serves them in rotation.
type Consumer struct {
	client *Client
	id     string
	queue  string
}

// NewConsumer wraps a client. Call Register before polling, or let the first
// poll register implicitly.
func NewConsumer(c *Client, id, queue string) (*Consumer, error) {
	if id == "" {
		return nil, ErrEmptyConsumerID
	}
	if queue == "" {
		return nil, ErrEmptyQueue
	}
	return &Consumer{client: c, id: id, queue: queue}, nil
}

// DialConsumer connects and registers a new consumer.
func DialConsumer(ctx context.Context, opts *Options, id, queue string) (*Consumer, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	cons, err := NewConsumer(c, id, queue)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := cons.Register(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return cons, nil
}

// Register sends the consumer handshake.
func (c *Consumer) Register(ctx context.Context) error {
	return expectAck(c.client.request(ctx, codec.Connect{
		Type:  codec.NoExchange,
		Name:  c.id,
		Queue: c.queue,
	}))
}

// Poll asks for one payload. ok is false when the broker answered Empty.
func (c *Consumer) Poll(ctx context.Context) (msg Message, ok bool, err error) {
	reply, err := c.client.request(ctx, codec.Receive{
		Type:     codec.NoExchange,
		Consumer: c.id,
		Queue:    c.queue,
	})
	if err != nil {
		return Message{}, false, err
	}

	switch r := reply.(type) {
	case codec.Deliver:
		return messageFrom(r), true, nil
	case codec.Empty:
		return Message{}, false, nil
	case codec.Reject:
		return Message{}, false, &RejectError{Name: r.Name, Queue: r.Queue, Reason: r.Reason}
	default:
		return Message{}, false, fmt.Errorf("%w: %s", ErrUnexpectedFrame, reply.Kind())
	}
}

// Run polls after the initial delay and then once per poll interval, calling
// h for every delivered payload. It returns nil when ctx ends, the handler's
// error, or the reason the connection ended.
func (c *Consumer) Run(ctx context.Context, h MessageHandler) error {
	done := c.client.Done()
	timer := time.NewTimer(c.client.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return c.client.Err()
		case <-timer.C:
		}

		msg, ok, err := c.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrNotConnected):
			// Teardown is in progress; done closes once it completes.
			<-done
			return c.client.Err()
		case err != nil:
			select {
			case <-done:
				return c.client.Err()
			default:
				return err
			}
		case ok:
			if err := h(ctx, msg); err != nil {
				return err
			}
		}
		timer.Reset(c.client.opts.PollInterval)
	}
}

// ID returns the consumer identifier.
func (c *Consumer) ID() string {
	return c.id
}

// Queue returns the polled queue.
func (c *Consumer) Queue() string {
	return c.queue
}

// Client returns the underlying connection.
func (c *Consumer) Client() *Client {
	return c.client
}

// Close closes the underlying connection.
func (c *Consumer) Close() error {
	return c.client.Close()
}
