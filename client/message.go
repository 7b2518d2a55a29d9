// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/absmach/minimq/codec"
)

// Message is one payload delivered to a consumer.
type Message struct {
	Queue    string
	Consumer string
	Payload  string
}

// MessageHandler is called by Consumer.Run for every delivered message.
// Returning an error stops Run.
type MessageHandler func(ctx context.Context, msg Message) error

func messageFrom(d codec.Deliver) Message {
	return Message{
		Queue:    d.Queue,
		Consumer: d.Consumer,
		Payload:  d.Payload,
	}
}
