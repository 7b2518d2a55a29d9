// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"

	"github.com/absmach/minimq/broker/events"
	"github.com/absmach/minimq/codec"
	"github.com/absmach/minimq/exchange"
)

// ErrUnexpectedFrame is returned when a client sends a broker-only frame.
var ErrUnexpectedFrame = errors.New("unexpected frame from client")

func (c *Connection) dispatch(f codec.Frame) error {
	switch f := f.(type) {
	case codec.Connect:
		if f.IsDeclaration() {
			return c.handleDeclare(f)
		}
		return c.handleRegister(f)
	case codec.Bind:
		return c.handleBind(f)
	case codec.Send:
		return c.handleSend(f)
	case codec.Receive:
		return c.handleReceive(f)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Kind())
	}
}

func modeOf(t codec.ExchangeType) exchange.Mode {
	if t == codec.Direct {
		return exchange.Direct
	}
	return exchange.Fanout
}

// handleDeclare declares the exchange named by the frame and binds its queue
// field, if any, with an empty routing key.
func (c *Connection) handleDeclare(f codec.Connect) error {
	if _, err := c.broker.declare(f.Name, modeOf(f.Type), c.remote); err != nil {
		return c.reject(f.Name, f.Queue, err)
	}
	if f.Queue != "" {
		if err := c.broker.Bind(f.Name, f.Queue, ""); err != nil {
			return c.reject(f.Name, f.Queue, err)
		}
	}
	return c.send(codec.Ack{Name: f.Name, Queue: f.Queue})
}

func (c *Connection) handleBind(f codec.Bind) error {
	if f.Type.Routable() {
		if _, err := c.broker.declare(f.Exchange, modeOf(f.Type), c.remote); err != nil {
			return c.reject(f.Exchange, f.Queue, err)
		}
	}
	if err := c.broker.Bind(f.Exchange, f.Queue, f.Key); err != nil {
		return c.reject(f.Exchange, f.Queue, err)
	}
	return c.send(codec.Ack{Name: f.Exchange, Queue: f.Queue})
}

func (c *Connection) handleRegister(f codec.Connect) error {
	if err := c.register(f.Name, f.Queue); err != nil {
		return c.reject(f.Name, f.Queue, err)
	}
	return c.send(codec.Ack{Name: f.Name, Queue: f.Queue})
}

func (c *Connection) register(consumerID, queue string) error {
	added, err := c.broker.RegisterConsumer(Registration{
		ConnectionID: c.id,
		ConsumerID:   consumerID,
		Queue:        queue,
	})
	if err != nil || !added {
		return err
	}
	c.logger.Info("consumer connected", "consumer_id", consumerID, "queue", queue)
	c.broker.notify(events.ConsumerConnected{
		ConsumerID:   consumerID,
		QueueName:    queue,
		ConnectionID: c.id,
		RemoteAddr:   c.remote,
	})
	return nil
}

// handleSend hands the payload to the accumulator. Producers get no reply.
func (c *Connection) handleSend(f codec.Send) error {
	if !c.broker.getLimiter().AllowPublish(c.id) {
		c.broker.stats.IncrementThrottled()
		c.broker.stats.AddDropped(1)
		if m := c.broker.getMetrics(); m != nil {
			m.RecordThrottledPublish()
		}
		c.logger.Debug("publish rate limited", "exchange", f.Exchange, "routing_key", f.RoutingKey)
		c.broker.notify(events.PayloadDropped{
			Exchange:     f.Exchange,
			RoutingKey:   f.RoutingKey,
			Reason:       "rate limited",
			ConnectionID: c.id,
			PayloadSize:  len(f.Payload),
		})
		return nil
	}

	err := c.broker.Publish(Pending{
		Exchange:   f.Exchange,
		RoutingKey: f.RoutingKey,
		Payload:    f.Payload,
		Source:     c.id,
	})
	if errors.Is(err, ErrBrokerClosed) {
		return errConnClosed
	}
	return err
}

// handleReceive pops one payload for the consumer and answers with Deliver,
// or with Empty when there is nothing for it.
func (c *Connection) handleReceive(f codec.Receive) error {
	empty := codec.Empty{Queue: f.Queue, Consumer: f.Consumer}

	if !c.broker.getLimiter().AllowPoll(c.id) {
		c.broker.stats.IncrementThrottled()
		if m := c.broker.getMetrics(); m != nil {
			m.RecordPoll(PollThrottled.String())
		}
		return c.send(empty)
	}

	if !c.broker.consumers.registered(c.id, f.Queue) {
		if err := c.register(f.Consumer, f.Queue); err != nil {
			return c.reject(f.Consumer, f.Queue, err)
		}
	}

	payload, res, err := c.broker.Receive(f.Queue, c.id)
	if err != nil {
		c.logger.Error("pop failed", "queue", f.Queue, "error", err)
		return c.reject(f.Consumer, f.Queue, err)
	}
	if res != PollDelivered {
		return c.send(empty)
	}
	return c.send(codec.Deliver{Queue: f.Queue, Consumer: f.Consumer, Payload: payload})
}

func (c *Connection) reject(name, queue string, err error) error {
	c.logger.Warn("request rejected", "name", name, "queue", queue, "error", err)
	return c.send(codec.Reject{Name: name, Queue: queue, Reason: err.Error()})
}
