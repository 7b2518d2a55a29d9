// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "fmt"

// Kind is the single byte tag that opens every frame.
type Kind byte

// Message kinds.
const (
	KindConnect Kind = 'c'
	KindBind    Kind = 'b'
	KindSend    Kind = 's'
	KindReceive Kind = 'r'
	KindDeliver Kind = 'm'
	KindEmpty   Kind = 'e'
	KindAck     Kind = 'k'
	KindReject  Kind = 'x'
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConnect, KindBind, KindSend, KindReceive,
		KindDeliver, KindEmpty, KindAck, KindReject:
		return true
	}
	return false
}

// hasData reports whether frames of this kind carry a trailing data field.
func (k Kind) hasData() bool {
	switch k {
	case KindSend, KindBind, KindDeliver, KindReject:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindBind:
		return "bind"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindDeliver:
		return "deliver"
	case KindEmpty:
		return "empty"
	case KindAck:
		return "ack"
	case KindReject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%#02x)", byte(k))
	}
}

// ExchangeType is the exchange-type tag carried in the second byte of a frame.
// Any byte is accepted on the wire; only Fanout and Direct name a routing mode.
type ExchangeType byte

// Exchange type tags.
const (
	NoExchange ExchangeType = '-'
	Fanout     ExchangeType = 'f'
	Direct     ExchangeType = 'd'
)

// Routable reports whether t names a routing mode.
func (t ExchangeType) Routable() bool {
	return t == Fanout || t == Direct
}

func (t ExchangeType) String() string {
	switch t {
	case Fanout:
		return "fanout"
	case Direct:
		return "direct"
	default:
		return "none"
	}
}

// Frame is one decoded unit of the wire protocol.
type Frame interface {
	Kind() Kind
	header() header
}

// header is the flat wire view shared by every frame variant.
type header struct {
	kind  Kind
	xtype ExchangeType
	name  string
	queue string
	data  string
}

// Connect registers a consumer (Type is not routable: Name is the consumer
// identifier) or declares an exchange (Type is Fanout or Direct: Name is the
// exchange and a non-empty Queue is bound to it).
type Connect struct {
	Type  ExchangeType
	Name  string
	Queue string
}

// Bind binds Queue to Exchange with a routing key. A routable Type also
// declares the exchange.
type Bind struct {
	Type     ExchangeType
	Exchange string
	Queue    string
	Key      string
}

// Send publishes Payload. An empty Exchange targets the queue named by
// RoutingKey directly.
type Send struct {
	Type       ExchangeType
	Exchange   string
	RoutingKey string
	Payload    string
}

// Receive polls Queue for one payload.
type Receive struct {
	Type     ExchangeType
	Consumer string
	Queue    string
}

// Deliver carries one payload popped from Queue back to the polling consumer.
type Deliver struct {
	Queue    string
	Consumer string
	Payload  string
}

// Empty answers a Receive that found no payload for the consumer.
type Empty struct {
	Queue    string
	Consumer string
}

// Ack confirms a Connect or Bind.
type Ack struct {
	Name  string
	Queue string
}

// Reject refuses a Connect or Bind.
type Reject struct {
	Name   string
	Queue  string
	Reason string
}

func (Connect) Kind() Kind { return KindConnect }
func (Bind) Kind() Kind    { return KindBind }
func (Send) Kind() Kind    { return KindSend }
func (Receive) Kind() Kind { return KindReceive }
func (Deliver) Kind() Kind { return KindDeliver }
func (Empty) Kind() Kind   { return KindEmpty }
func (Ack) Kind() Kind     { return KindAck }
func (Reject) Kind() Kind  { return KindReject }

// IsDeclaration reports whether the frame declares an exchange rather than
// registering a consumer.
func (c Connect) IsDeclaration() bool { return c.Type.Routable() }

func (c Connect) header() header {
	return header{kind: KindConnect, xtype: c.Type, name: c.Name, queue: c.Queue}
}

func (b Bind) header() header {
	return header{kind: KindBind, xtype: b.Type, name: b.Exchange, queue: b.Queue, data: b.Key}
}

func (s Send) header() header {
	return header{kind: KindSend, xtype: s.Type, name: s.Exchange, queue: s.RoutingKey, data: s.Payload}
}

func (r Receive) header() header {
	return header{kind: KindReceive, xtype: r.Type, name: r.Consumer, queue: r.Queue}
}

func (d Deliver) header() header {
	return header{kind: KindDeliver, xtype: NoExchange, name: d.Queue, queue: d.Consumer, data: d.Payload}
}

func (e Empty) header() header {
	return header{kind: KindEmpty, xtype: NoExchange, name: e.Queue, queue: e.Consumer}
}

func (a Ack) header() header {
	return header{kind: KindAck, xtype: NoExchange, name: a.Name, queue: a.Queue}
}

func (r Reject) header() header {
	return header{kind: KindReject, xtype: NoExchange, name: r.Name, queue: r.Queue, data: r.Reason}
}

func (h header) frame() Frame {
	switch h.kind {
	case KindConnect:
		return Connect{Type: h.xtype, Name: h.name, Queue: h.queue}
	case KindBind:
		return Bind{Type: h.xtype, Exchange: h.name, Queue: h.queue, Key: h.data}
	case KindSend:
		return Send{Type: h.xtype, Exchange: h.name, RoutingKey: h.queue, Payload: h.data}
	case KindReceive:
		return Receive{Type: h.xtype, Consumer: h.name, Queue: h.queue}
	case KindDeliver:
		return Deliver{Queue: h.name, Consumer: h.queue, Payload: h.data}
	case KindEmpty:
		return Empty{Queue: h.name, Consumer: h.queue}
	case KindAck:
		return Ack{Name: h.name, Queue: h.queue}
	case KindReject:
		return Reject{Name: h.name, Queue: h.queue, Reason: h.data}
	}
	return nil
}
