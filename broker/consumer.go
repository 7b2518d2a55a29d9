// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"time"
)

// DefaultFairnessWindow is how long a consumer counts as active after its
// last poll.
const DefaultFairnessWindow = 12 * time.Second

// PollResult classifies the outcome of a consumer poll.
type PollResult int

const (
	// PollDelivered means a payload was popped for the consumer.
	PollDelivered PollResult = iota
	// PollEmpty means the queue had nothing to deliver.
	PollEmpty
	// PollDeferred means an active peer was served less recently, so the
	// consumer yields its turn.
	PollDeferred
	// PollThrottled means the poll was refused by the rate limiter.
	PollThrottled
)

func (r PollResult) String() string {
	switch r {
	case PollDelivered:
		return "delivered"
	case PollEmpty:
		return "empty"
	case PollDeferred:
		return "deferred"
	case PollThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Registration identifies one consumer of one queue.
type Registration struct {
	ConnectionID string
	ConsumerID   string
	Queue        string
}

type member struct {
	connID     string
	consumerID string
	lastServed uint64
	lastSeen   time.Time
}

// group holds the competing consumers of one queue in join order.
type group struct {
	mu      sync.Mutex
	members []*member
	served  uint64
}

func (g *group) find(connID string) *member {
	for _, m := range g.members {
		if m.connID == connID {
			return m
		}
	}
	return nil
}

// eligible reports whether m may be served: no other consumer seen within
// the window was served less recently than m.
func (g *group) eligible(m *member, now time.Time, window time.Duration) bool {
	for _, o := range g.members {
		if o == m || now.Sub(o.lastSeen) > window {
			continue
		}
		if o.lastServed < m.lastServed {
			return false
		}
	}
	return true
}

// consumerGroups tracks consumer registrations per queue and rotates
// deliveries toward the least recently served active consumer.
type consumerGroups struct {
	mu     sync.Mutex
	groups map[string]*group
	byConn map[string]map[string]string // connID -> queue -> consumerID
	window time.Duration
	now    func() time.Time
}

func newConsumerGroups(window time.Duration) *consumerGroups {
	if window <= 0 {
		window = DefaultFairnessWindow
	}
	return &consumerGroups{
		groups: make(map[string]*group),
		byConn: make(map[string]map[string]string),
		window: window,
		now:    time.Now,
	}
}

// register adds the connection as a consumer of queue. It reports false if
// the connection was already registered there.
func (cg *consumerGroups) register(r Registration) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	queues, ok := cg.byConn[r.ConnectionID]
	if !ok {
		queues = make(map[string]string)
		cg.byConn[r.ConnectionID] = queues
	}
	if _, ok := queues[r.Queue]; ok {
		return false
	}
	queues[r.Queue] = r.ConsumerID

	g, ok := cg.groups[r.Queue]
	if !ok {
		g = &group{}
		cg.groups[r.Queue] = g
	}
	g.mu.Lock()
	g.members = append(g.members, &member{
		connID:     r.ConnectionID,
		consumerID: r.ConsumerID,
		lastSeen:   cg.now(),
	})
	g.mu.Unlock()
	return true
}

// unregister removes every registration of the connection and returns them.
func (cg *consumerGroups) unregister(connID string) []Registration {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	queues, ok := cg.byConn[connID]
	if !ok {
		return nil
	}
	delete(cg.byConn, connID)

	regs := make([]Registration, 0, len(queues))
	for queue, consumerID := range queues {
		regs = append(regs, Registration{ConnectionID: connID, ConsumerID: consumerID, Queue: queue})

		g, ok := cg.groups[queue]
		if !ok {
			continue
		}
		g.mu.Lock()
		kept := g.members[:0]
		for _, m := range g.members {
			if m.connID != connID {
				kept = append(kept, m)
			}
		}
		g.members = kept
		empty := len(kept) == 0
		g.mu.Unlock()
		if empty {
			delete(cg.groups, queue)
		}
	}
	return regs
}

// registered reports whether the connection consumes queue.
func (cg *consumerGroups) registered(connID, queue string) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	_, ok := cg.byConn[connID][queue]
	return ok
}

// count returns the number of consumers registered on queue.
func (cg *consumerGroups) count(queue string) int {
	cg.mu.Lock()
	g, ok := cg.groups[queue]
	cg.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// poll runs pop for the connection if the rotation allows it. The group lock
// is held from the fairness decision until the delivery is recorded, so two
// peers cannot both be served out of turn.
func (cg *consumerGroups) poll(queue, connID string, pop func() (string, bool, error)) (string, PollResult, error) {
	cg.mu.Lock()
	g, ok := cg.groups[queue]
	cg.mu.Unlock()
	if !ok {
		return popResult(pop)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.find(connID)
	if m == nil {
		return popResult(pop)
	}

	now := cg.now()
	m.lastSeen = now
	if !g.eligible(m, now, cg.window) {
		return "", PollDeferred, nil
	}

	payload, res, err := popResult(pop)
	if err != nil || res != PollDelivered {
		return payload, res, err
	}
	g.served++
	m.lastServed = g.served
	return payload, PollDelivered, nil
}

func popResult(pop func() (string, bool, error)) (string, PollResult, error) {
	payload, ok, err := pop()
	if err != nil {
		return "", PollEmpty, err
	}
	if !ok {
		return "", PollEmpty, nil
	}
	return payload, PollDelivered, nil
}
