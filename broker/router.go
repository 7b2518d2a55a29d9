// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"github.com/absmach/minimq/exchange"
	"github.com/absmach/minimq/storage"
)

// Pending is a published payload waiting in the accumulator for its batch to
// be committed.
type Pending struct {
	Exchange   string
	RoutingKey string
	Payload    string
	// Source is the id of the publishing connection, empty for local publishes.
	Source string
}

// Dropped is a pending payload that could not be routed.
type Dropped struct {
	Pending Pending
	Err     error
}

// BatchResult describes the outcome of one batch commit.
type BatchResult struct {
	// Committed is the number of payloads that reached at least one queue.
	Committed int
	// Deliveries is the number of queue entries written. A fanout payload
	// counts once per bound queue.
	Deliveries int
	Dropped    []Dropped
	// Err is set when the store rejected the batch. No delivery of the batch
	// is visible in that case.
	Err error
}

// Router resolves pending payloads against the exchange registry and commits
// them into the queue store.
type Router struct {
	registry *exchange.Registry
	store    storage.QueueStore
}

// NewRouter returns a router over the given registry and store.
func NewRouter(registry *exchange.Registry, store storage.QueueStore) *Router {
	return &Router{registry: registry, store: store}
}

// Resolve returns the queues a single payload must reach. A route that
// matches no queue is reported as NoMatchingBinding.
func (r *Router) Resolve(p Pending) ([]string, error) {
	queues, err := r.registry.Route(p.Exchange, p.RoutingKey)
	if err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, &exchange.RouteError{
			Code:     exchange.NoMatchingBinding,
			Exchange: p.Exchange,
			Key:      p.RoutingKey,
		}
	}
	return queues, nil
}

// Commit routes every payload of the batch and writes all resulting
// deliveries with a single store commit. Unroutable payloads are skipped and
// reported in the result; they never abort the rest of the batch.
func (r *Router) Commit(ctx context.Context, batch []Pending) BatchResult {
	var res BatchResult
	deliveries := make([]storage.Delivery, 0, len(batch))

	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		queues, err := r.Resolve(p)
		if err != nil {
			res.Dropped = append(res.Dropped, Dropped{Pending: p, Err: err})
			continue
		}
		for _, q := range queues {
			deliveries = append(deliveries, storage.Delivery{Queue: q, Payload: p.Payload})
		}
		res.Committed++
	}

	if len(deliveries) == 0 {
		return res
	}
	if err := r.store.Commit(deliveries); err != nil {
		res.Err = fmt.Errorf("failed to commit batch: %w", err)
		res.Committed = 0
		return res
	}
	res.Deliveries = len(deliveries)
	return res
}
