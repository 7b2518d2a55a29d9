// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get(0)
	b.WriteString("hello")
	Put(b)

	b2 := Get(0)
	assert.Zero(t, b2.Len())
	Put(b2)
}

func TestGetReservesCapacity(t *testing.T) {
	b := Get(1024)
	defer Put(b)
	assert.GreaterOrEqual(t, b.Cap(), 1024)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get(MaxPooledCap + 1)
	assert.NotPanics(t, func() { Put(b) })
	assert.NotPanics(t, func() { Put(nil) })
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get(32)
			b.WriteString("concurrent frame")
			Put(b)
		}()
	}
	wg.Wait()
}
