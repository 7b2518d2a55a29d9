// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]Pending
}

func (r *recorder) commit(_ context.Context, batch []Pending) BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return BatchResult{Committed: len(batch), Deliveries: len(batch)}
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		for _, p := range b {
			out = append(out, p.Payload)
		}
	}
	return out
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = len(b)
	}
	return out
}

func TestAccumulatorOfferCapacity(t *testing.T) {
	rec := &recorder{}
	a := NewAccumulator(5, 4, 0, rec.commit)
	defer a.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, a.Offer(Pending{Payload: fmt.Sprint(i)}))
	}
	assert.False(t, a.Offer(Pending{Payload: "overflow"}), "offer beyond capacity must be refused")
	assert.Equal(t, 5, a.Len())

	res := <-a.Flush()
	assert.Equal(t, 5, res.Committed)
	assert.Equal(t, 0, a.Len())
	assert.True(t, a.Offer(Pending{Payload: "5"}))
}

func TestAccumulatorDefaultCapacity(t *testing.T) {
	a := NewAccumulator(0, 0, 0, (&recorder{}).commit)
	defer a.Close()
	assert.Equal(t, DefaultBatchSize, a.Capacity())
}

func TestAccumulatorPublishKeepsOrder(t *testing.T) {
	rec := &recorder{}
	a := NewAccumulator(5, 4, 0, rec.commit)

	var want []string
	for i := 0; i < 12; i++ {
		p := fmt.Sprintf("p%02d", i)
		want = append(want, p)
		require.NoError(t, a.Publish(Pending{Payload: p}))
	}
	<-a.Flush()

	assert.Equal(t, want, rec.payloads())
	assert.Equal(t, []int{5, 5, 2}, rec.sizes())
	a.Close()
}

func TestAccumulatorFlushWaitsForEarlierBatches(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var committed []string
	commit := func(_ context.Context, batch []Pending) BatchResult {
		<-release
		mu.Lock()
		defer mu.Unlock()
		for _, p := range batch {
			committed = append(committed, p.Payload)
		}
		return BatchResult{Committed: len(batch)}
	}

	a := NewAccumulator(2, 4, 0, commit)
	defer a.Close()

	require.NoError(t, a.Publish(Pending{Payload: "a"}))
	require.NoError(t, a.Publish(Pending{Payload: "b"}))
	done := a.Flush()

	select {
	case <-done:
		t.Fatal("flush returned before the earlier batch committed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	res, ok := <-done
	require.True(t, ok)
	assert.Equal(t, 0, res.Committed)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, committed)
	mu.Unlock()

	_, ok = <-done
	assert.False(t, ok, "result channel must be closed after the result")
}

func TestAccumulatorLinger(t *testing.T) {
	rec := &recorder{}
	a := NewAccumulator(5, 4, 10*time.Millisecond, rec.commit)
	defer a.Close()

	require.True(t, a.Offer(Pending{Payload: "quiet"}))
	require.Eventually(t, func() bool {
		return len(rec.payloads()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.Len())
}

func TestAccumulatorClose(t *testing.T) {
	rec := &recorder{}
	a := NewAccumulator(5, 4, time.Hour, rec.commit)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Publish(Pending{Payload: fmt.Sprint(i)}))
	}
	a.Close()
	a.Close()

	assert.Equal(t, []string{"0", "1", "2"}, rec.payloads())
	assert.True(t, a.Closed())
	assert.False(t, a.Offer(Pending{Payload: "late"}))
	assert.ErrorIs(t, a.Publish(Pending{Payload: "late"}), ErrAccumulatorClosed)

	res, ok := <-a.Flush()
	assert.True(t, ok)
	assert.Equal(t, BatchResult{}, res)
}

func TestAccumulatorConcurrentPublish(t *testing.T) {
	rec := &recorder{}
	a := NewAccumulator(5, 2, 0, rec.commit)

	const producers, each = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				assert.NoError(t, a.Publish(Pending{Payload: fmt.Sprintf("%d-%d", id, j)}))
			}
		}(i)
	}
	wg.Wait()
	a.Close()

	got := rec.payloads()
	assert.Len(t, got, producers*each)
	for _, size := range rec.sizes() {
		assert.LessOrEqual(t, size, 5)
	}
}
