// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/minimq/storage"
)

var _ storage.QueueStore = (*Store)(nil)

type queue struct {
	mu    sync.Mutex
	items []string
}

func (q *queue) pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	p := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return p, true
}

// Store is an in-memory queue store. The queue map is guarded by one RWMutex
// and every queue by its own mutex, so different queues never contend.
type Store struct {
	mu     sync.RWMutex
	queues map[string]*queue
	closed atomic.Bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		queues: make(map[string]*queue),
	}
}

func (s *Store) queue(name string) (*queue, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	if name == "" {
		return nil, storage.ErrInvalidQueue
	}

	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if ok {
		return q, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[name]; !ok {
		q = &queue{}
		s.queues[name] = q
	}
	return q, nil
}

// Ensure creates the queue if absent.
func (s *Store) Ensure(name string) error {
	_, err := s.queue(name)
	return err
}

// Push appends payload to the queue.
func (s *Store) Push(name, payload string) error {
	q, err := s.queue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, payload)
	q.mu.Unlock()
	return nil
}

// Pop removes the head of the queue.
func (s *Store) Pop(name string) (string, bool, error) {
	q, err := s.queue(name)
	if err != nil {
		return "", false, err
	}
	q.mu.Lock()
	p, ok := q.pop()
	q.mu.Unlock()
	return p, ok, nil
}

// Commit locks every target queue in name order, appends all deliveries and
// only then releases the locks.
func (s *Store) Commit(deliveries []storage.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	byQueue := make(map[string]*queue)
	for _, d := range deliveries {
		if _, ok := byQueue[d.Queue]; ok {
			continue
		}
		q, err := s.queue(d.Queue)
		if err != nil {
			return err
		}
		byQueue[d.Queue] = q
	}

	names := make([]string, 0, len(byQueue))
	for name := range byQueue {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		byQueue[name].mu.Lock()
	}
	for _, d := range deliveries {
		q := byQueue[d.Queue]
		q.items = append(q.items, d.Payload)
	}
	for _, name := range names {
		byQueue[name].mu.Unlock()
	}
	return nil
}

// Len returns the queue depth.
func (s *Store) Len(name string) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrStoreClosed
	}
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Queues returns a snapshot of all queues.
func (s *Store) Queues() ([]storage.QueueInfo, error) {
	if s.closed.Load() {
		return nil, storage.ErrStoreClosed
	}
	s.mu.RLock()
	infos := make([]storage.QueueInfo, 0, len(s.queues))
	for name, q := range s.queues {
		q.mu.Lock()
		infos = append(infos, storage.QueueInfo{Name: name, Depth: len(q.items)})
		q.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Close marks the store closed. Payloads are discarded.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.queues = make(map[string]*queue)
	s.mu.Unlock()
	return nil
}
