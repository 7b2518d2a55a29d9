// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/minimq/codec"
)

// pendingOp is a request waiting for its reply frame.
type pendingOp struct {
	done    chan struct{}
	reply   codec.Frame
	err     error
	created time.Time
}

// pendingStore queues requests in the order they were written. The broker
// answers the requests of one connection in order, so every reply completes
// the oldest pending op.
type pendingStore struct {
	mu      sync.Mutex
	ops     []*pendingOp
	maxSize int
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{maxSize: maxSize}
}

// add registers a new pending operation at the tail.
func (ps *pendingStore) add() (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.ops) >= ps.maxSize {
		return nil, ErrMaxInflight
	}
	op := &pendingOp{
		done:    make(chan struct{}),
		created: time.Now(),
	}
	ps.ops = append(ps.ops, op)
	return op, nil
}

// complete hands reply to the oldest pending op. It reports false when
// nothing was waiting.
func (ps *pendingStore) complete(reply codec.Frame) bool {
	ps.mu.Lock()
	if len(ps.ops) == 0 {
		ps.mu.Unlock()
		return false
	}
	op := ps.ops[0]
	ps.ops[0] = nil
	ps.ops = ps.ops[1:]
	ps.mu.Unlock()

	op.reply = reply
	close(op.done)
	return true
}

// remove drops an op whose request never reached the wire.
func (ps *pendingStore) remove(op *pendingOp) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, o := range ps.ops {
		if o == op {
			ps.ops = append(ps.ops[:i], ps.ops[i+1:]...)
			return
		}
	}
}

// clear removes all pending operations and signals them as failed.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	ops := ps.ops
	ps.ops = nil
	ps.mu.Unlock()

	for _, op := range ops {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.ops)
}

// wait blocks until the reply arrives, ctx ends or timeout elapses. An op
// abandoned by a timeout stays queued so the late reply is still consumed.
func (op *pendingOp) wait(ctx context.Context, timeout time.Duration) (codec.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		return op.reply, op.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}
