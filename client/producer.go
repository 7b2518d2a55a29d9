// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/absmach/minimq/codec"
)

// Producer declares exchanges, binds queues and publishes payloads.
// Publishing is fire and forget: the broker never answers a Send frame.
type Producer struct {
	client *Client
}

// NewProducer wraps a client.
func NewProducer(c *Client) *Producer {
	return &Producer{client: c}
}

// DialProducer connects a new producer.
func DialProducer(ctx context.Context, opts *Options) (*Producer, error) {
	c, err := Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewProducer(c), nil
}

// Declare declares the exchange with routing mode t. A non-empty queue is
// bound to it with an empty routing key.
func (p *Producer) Declare(ctx context.Context, exchange string, t codec.ExchangeType, queue string) error {
	if exchange == "" {
		return ErrEmptyExchange
	}
	if !t.Routable() {
		return ErrInvalidExchange
	}
	return expectAck(p.client.request(ctx, codec.Connect{Type: t, Name: exchange, Queue: queue}))
}

// Bind binds queue to a declared exchange with a routing key.
func (p *Producer) Bind(ctx context.Context, exchange, queue, key string) error {
	if exchange == "" {
		return ErrEmptyExchange
	}
	if queue == "" {
		return ErrEmptyQueue
	}
	return expectAck(p.client.request(ctx, codec.Bind{
		Type:     codec.NoExchange,
		Exchange: exchange,
		Queue:    queue,
		Key:      key,
	}))
}

// Publish sends payload to the exchange with the given routing key.
func (p *Producer) Publish(exchange, key, payload string) error {
	return p.client.write(codec.Send{
		Type:       codec.NoExchange,
		Exchange:   exchange,
		RoutingKey: key,
		Payload:    payload,
	})
}

// PublishToQueue sends payload straight to a queue through the default
// exchange.
func (p *Producer) PublishToQueue(queue, payload string) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	return p.Publish("", queue, payload)
}

// Client returns the underlying connection.
func (p *Producer) Client() *Client {
	return p.client
}

// Close closes the underlying connection.
func (p *Producer) Close() error {
	return p.client.Close()
}
