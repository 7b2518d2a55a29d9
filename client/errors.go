// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoAddress         = errors.New("no broker address configured")
	ErrEmptyConsumerID   = errors.New("consumer ID cannot be empty")
	ErrEmptyQueue        = errors.New("queue name cannot be empty")
	ErrEmptyExchange     = errors.New("exchange name cannot be empty")
	ErrInvalidExchange   = errors.New("invalid exchange type (must be fanout or direct)")
	ErrInvalidInterval   = errors.New("poll interval must be positive")
	ErrInvalidMaxPending = errors.New("max inflight must be positive")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrClientClosed     = errors.New("client has been closed")

	// Operation errors.
	ErrTimeout     = errors.New("operation timed out")
	ErrMaxInflight = errors.New("maximum inflight requests exceeded")
	ErrRejected    = errors.New("request rejected by broker")

	// Protocol errors.
	ErrUnexpectedFrame = errors.New("unexpected frame type")
)

// RejectError carries the reason the broker gave for refusing a request.
type RejectError struct {
	Name   string
	Queue  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s/%s: %s", ErrRejected, e.Name, e.Queue, e.Reason)
}

// Is matches ErrRejected.
func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}
