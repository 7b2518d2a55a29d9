// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultBatchSize is the number of pending payloads that triggers a flush.
const DefaultBatchSize = 5

// ErrAccumulatorClosed is returned when publishing after Close.
var ErrAccumulatorClosed = errors.New("batch accumulator closed")

// CommitFunc commits one swapped-out batch.
type CommitFunc func(ctx context.Context, batch []Pending) BatchResult

type flushReq struct {
	batch  []Pending
	result chan BatchResult
}

// Accumulator groups published payloads into fixed size batches. Batches are
// swapped out under the accumulator lock and committed by a single committer
// goroutine in flush order, so publishers never wait on the commit itself.
type Accumulator struct {
	mu       sync.Mutex
	batch    []Pending
	capacity int
	closed   bool

	commit CommitFunc
	queue  chan flushReq
	linger time.Duration

	stopCh    chan struct{}
	done      chan struct{}
	lingerWG  sync.WaitGroup
	closeOnce sync.Once
}

// NewAccumulator creates an accumulator and starts its committer. A linger of
// zero disables time based flushing. maxPending bounds the number of swapped
// batches waiting for the committer before Flush blocks.
func NewAccumulator(capacity, maxPending int, linger time.Duration, commit CommitFunc) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultBatchSize
	}
	if maxPending <= 0 {
		maxPending = 1
	}

	a := &Accumulator{
		batch:    make([]Pending, 0, capacity),
		capacity: capacity,
		commit:   commit,
		queue:    make(chan flushReq, maxPending),
		linger:   linger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go a.committer()
	if linger > 0 {
		a.lingerWG.Add(1)
		go a.lingerLoop()
	}
	return a
}

// Offer adds p to the open batch. It returns false when the batch is full or
// the accumulator is closed.
func (a *Accumulator) Offer(p Pending) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || len(a.batch) >= a.capacity {
		return false
	}
	a.batch = append(a.batch, p)
	return true
}

// Publish offers p, flushing the open batch first if it is full, and flushes
// eagerly once the batch reaches capacity.
func (a *Accumulator) Publish(p Pending) error {
	for !a.Offer(p) {
		if a.Closed() {
			return ErrAccumulatorClosed
		}
		a.flushPending()
	}
	if a.Len() >= a.capacity {
		a.flushPending()
	}
	return nil
}

// Flush swaps the open batch out and hands it to the committer. The returned
// channel yields the result once every payload of the batch, and of every
// batch flushed before it, is visible. It is closed afterwards.
func (a *Accumulator) Flush() <-chan BatchResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Accumulator) flushLocked() <-chan BatchResult {
	result := make(chan BatchResult, 1)
	if a.closed {
		result <- BatchResult{}
		close(result)
		return result
	}

	batch := a.batch
	if len(batch) > 0 {
		a.batch = make([]Pending, 0, a.capacity)
	}
	// Sending under the lock keeps batches in flush order.
	a.queue <- flushReq{batch: batch, result: result}
	return result
}

func (a *Accumulator) flushPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.batch) > 0 {
		a.flushLocked()
	}
}

// Len returns the number of payloads in the open batch.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batch)
}

// Capacity returns the flush threshold.
func (a *Accumulator) Capacity() int {
	return a.capacity
}

// Closed reports whether Close was called.
func (a *Accumulator) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close flushes the open batch and waits for every queued batch to commit.
func (a *Accumulator) Close() {
	a.closeOnce.Do(func() {
		close(a.stopCh)
		a.lingerWG.Wait()

		a.mu.Lock()
		if len(a.batch) > 0 {
			a.flushLocked()
		}
		a.closed = true
		close(a.queue)
		a.mu.Unlock()

		<-a.done
	})
}

func (a *Accumulator) committer() {
	defer close(a.done)
	for req := range a.queue {
		var res BatchResult
		if len(req.batch) > 0 {
			res = a.commit(context.Background(), req.batch)
		}
		req.result <- res
		close(req.result)
	}
}

func (a *Accumulator) lingerLoop() {
	defer a.lingerWG.Done()

	ticker := time.NewTicker(a.linger)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.flushPending()
		}
	}
}
