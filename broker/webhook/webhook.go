// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"time"

	"github.com/absmach/minimq/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender delivers one webhook payload to one URL.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
