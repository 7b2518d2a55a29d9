// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

// Common errors.
var (
	ErrStoreClosed  = errors.New("queue store closed")
	ErrInvalidQueue = errors.New("invalid queue name")
)

// Delivery is one payload destined for one queue.
type Delivery struct {
	Queue   string
	Payload string
}

// QueueInfo describes a queue for inspection.
type QueueInfo struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// QueueStore holds named FIFO queues of opaque payloads.
// Queues are created on first touch and never removed.
type QueueStore interface {
	// Ensure creates the queue if it does not exist.
	Ensure(name string) error

	// Push appends payload to the tail of the queue.
	Push(name, payload string) error

	// Pop removes and returns the head of the queue.
	// It reports false when the queue is empty or absent.
	Pop(name string) (string, bool, error)

	// Commit pushes every delivery as one unit: observers see either none
	// or all of them.
	Commit(deliveries []Delivery) error

	// Len returns the number of payloads waiting in the queue.
	Len(name string) (int, error)

	// Queues returns a snapshot of all known queues sorted by name.
	Queues() ([]QueueInfo, error)

	// Close releases the store.
	Close() error
}
