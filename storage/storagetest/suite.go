// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behaviour every storage.QueueStore must share.
package storagetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/minimq/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a QueueStore. newStore must return a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.QueueStore) {
	t.Run("PopAbsentQueue", func(t *testing.T) {
		s := newStore(t)
		p, ok, err := s.Pop("missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, p)

		// The pop touched the queue, so it now exists.
		infos, err := s.Queues()
		require.NoError(t, err)
		assert.Equal(t, []storage.QueueInfo{{Name: "missing", Depth: 0}}, infos)
	})

	t.Run("FIFO", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Push("q1", "P1"))
		require.NoError(t, s.Push("q1", "P2"))
		require.NoError(t, s.Push("q1", "P3"))

		for _, want := range []string{"P1", "P2", "P3"} {
			got, ok, err := s.Pop("q1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, got)
		}
		_, ok, err := s.Pop("q1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ensure("q1"))
		require.NoError(t, s.Push("q1", "a"))
		require.NoError(t, s.Ensure("q1"))

		n, err := s.Len("q1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("EmptyName", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Push("", "a"), storage.ErrInvalidQueue)
		assert.ErrorIs(t, s.Ensure(""), storage.ErrInvalidQueue)
	})

	t.Run("QueuesAreIndependent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Push("a", "x"))
		require.NoError(t, s.Push("a/b", "y"))

		got, ok, err := s.Pop("a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "x", got)

		_, ok, err = s.Pop("a")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.Len("a/b")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Commit", func(t *testing.T) {
		s := newStore(t)
		err := s.Commit([]storage.Delivery{
			{Queue: "q1", Payload: "hello"},
			{Queue: "q2", Payload: "hello"},
			{Queue: "q1", Payload: "world"},
		})
		require.NoError(t, err)

		infos, err := s.Queues()
		require.NoError(t, err)
		assert.Equal(t, []storage.QueueInfo{{Name: "q1", Depth: 2}, {Name: "q2", Depth: 1}}, infos)

		got, _, err := s.Pop("q1")
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
		got, _, err = s.Pop("q1")
		require.NoError(t, err)
		assert.Equal(t, "world", got)
		got, _, err = s.Pop("q2")
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("CommitRejectsWholeBatch", func(t *testing.T) {
		s := newStore(t)
		err := s.Commit([]storage.Delivery{
			{Queue: "q1", Payload: "a"},
			{Queue: "", Payload: "b"},
		})
		assert.ErrorIs(t, err, storage.ErrInvalidQueue)

		n, err := s.Len("q1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ConcurrentPopDeliversOnce", func(t *testing.T) {
		s := newStore(t)
		const total = 200
		for i := range total {
			require.NoError(t, s.Push("work", fmt.Sprintf("m%d", i)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					p, ok, err := s.Pop("work")
					if err != nil {
						t.Errorf("pop: %v", err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					seen[p]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for p, n := range seen {
			assert.Equal(t, 1, n, "payload %s popped %d times", p, n)
		}
	})

	t.Run("ConcurrentCommitAndPop", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 50 {
				err := s.Commit([]storage.Delivery{
					{Queue: "x", Payload: fmt.Sprintf("x%d", i)},
					{Queue: "y", Payload: fmt.Sprintf("y%d", i)},
				})
				if err != nil {
					t.Errorf("commit: %v", err)
				}
			}
		}()
		popped := 0
		go func() {
			defer wg.Done()
			for popped < 50 {
				if _, ok, err := s.Pop("y"); err == nil && ok {
					popped++
				}
			}
		}()
		wg.Wait()

		n, err := s.Len("x")
		require.NoError(t, err)
		assert.Equal(t, 50, n)
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		assert.ErrorIs(t, s.Push("q1", "a"), storage.ErrStoreClosed)
		_, _, err := s.Pop("q1")
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
		_, err = s.Queues()
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
	})
}
