// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers frames are encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxPooledCap is the largest buffer kept for reuse. A frame carrying a
// bigger payload gets a buffer that is dropped after the write.
const MaxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer with room for at least size bytes.
func Get(size int) *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	if size > 0 {
		b.Grow(size)
	}
	return b
}

// Put hands b back for reuse.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxPooledCap {
		return
	}
	pool.Put(b)
}
