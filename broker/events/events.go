// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeExchangeDeclared     = "exchange.declared"
	TypeBindingCreated       = "binding.created"
	TypeConsumerConnected    = "consumer.connected"
	TypeConsumerDisconnected = "consumer.disconnected"
	TypePayloadDropped       = "payload.dropped"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "consumer.connected").
	Type() string

	// Queue returns the queue a queue-scoped event refers to, empty for others.
	Queue() string
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// Wrap wraps an event in an envelope with a fresh id and timestamp.
func Wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ExchangeDeclared is emitted when a new exchange is declared.
type ExchangeDeclared struct {
	Exchange   string `json:"exchange"`
	Mode       string `json:"mode"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ExchangeDeclared) Type() string  { return TypeExchangeDeclared }
func (e ExchangeDeclared) Queue() string { return "" }

// BindingCreated is emitted when a new binding is added.
type BindingCreated struct {
	Exchange   string `json:"exchange"`
	QueueName  string `json:"queue"`
	RoutingKey string `json:"routing_key,omitempty"`
}

func (e BindingCreated) Type() string  { return TypeBindingCreated }
func (e BindingCreated) Queue() string { return e.QueueName }

// ConsumerConnected is emitted when a consumer registers on a queue.
type ConsumerConnected struct {
	ConsumerID   string `json:"consumer_id"`
	QueueName    string `json:"queue"`
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
}

func (e ConsumerConnected) Type() string  { return TypeConsumerConnected }
func (e ConsumerConnected) Queue() string { return e.QueueName }

// ConsumerDisconnected is emitted when a registered consumer's connection ends.
type ConsumerDisconnected struct {
	ConsumerID   string `json:"consumer_id"`
	QueueName    string `json:"queue"`
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"` // "normal", "error", "timeout", "shutdown"
}

func (e ConsumerDisconnected) Type() string  { return TypeConsumerDisconnected }
func (e ConsumerDisconnected) Queue() string { return e.QueueName }

// PayloadDropped is emitted when a published payload could not be routed.
type PayloadDropped struct {
	Exchange     string `json:"exchange"`
	RoutingKey   string `json:"routing_key"`
	Reason       string `json:"reason"`
	ConnectionID string `json:"connection_id,omitempty"`
	PayloadSize  int    `json:"payload_size"`
}

func (e PayloadDropped) Type() string  { return TypePayloadDropped }
func (e PayloadDropped) Queue() string { return "" }
