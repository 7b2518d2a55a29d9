// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/minimq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.QueueStore = (*Store)(nil)

// Key prefixes. Queue names are length-prefixed so one name can never be a
// prefix of another queue's keys.
//   - Marker: m{name}
//   - Item:   q{len:u32}{name}{seq:u64}
const (
	markerPrefix = 'm'
	itemPrefix   = 'q'
)

const maxConflictRetries = 32

// Store is a queue store backed by an in-memory BadgerDB instance.
// Nothing touches the disk: queues live for the process lifetime only.
type Store struct {
	db     *badger.DB
	seq    atomic.Uint64
	closed bool
	mu     sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	// IndexCacheSize bounds the in-memory index cache in bytes. Zero keeps
	// the badger default.
	IndexCacheSize int64
}

// New opens an in-memory BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.NumVersionsToKeep = 1
	if cfg.IndexCacheSize > 0 {
		opts.IndexCacheSize = cfg.IndexCacheSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func markerKey(name string) []byte {
	return append([]byte{markerPrefix}, name...)
}

func queuePrefix(name string) []byte {
	key := make([]byte, 0, 5+len(name)+8)
	key = append(key, itemPrefix)
	key = binary.BigEndian.AppendUint32(key, uint32(len(name)))
	return append(key, name...)
}

func (s *Store) itemKey(name string) []byte {
	return binary.BigEndian.AppendUint64(queuePrefix(name), s.seq.Add(1))
}

func (s *Store) check(name string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return storage.ErrStoreClosed
	}
	if name == "" {
		return storage.ErrInvalidQueue
	}
	return nil
}

// Ensure creates the queue marker if absent.
func (s *Store) Ensure(name string) error {
	if err := s.check(name); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return ensure(txn, name)
	})
}

func ensure(txn *badger.Txn, name string) error {
	key := markerKey(name)
	if _, err := txn.Get(key); err == nil {
		return nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(key, nil)
}

// Push appends payload to the queue.
func (s *Store) Push(name, payload string) error {
	return s.Commit([]storage.Delivery{{Queue: name, Payload: payload}})
}

// Commit writes all deliveries in a single transaction.
func (s *Store) Commit(deliveries []storage.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	for _, d := range deliveries {
		if err := s.check(d.Queue); err != nil {
			return err
		}
	}

	// Sequence numbers are drawn before the transaction so a conflict retry
	// keeps the original order.
	keys := make([][]byte, len(deliveries))
	for i, d := range deliveries {
		keys[i] = s.itemKey(d.Queue)
	}

	return s.retry(func(txn *badger.Txn) error {
		seen := make(map[string]struct{})
		for i, d := range deliveries {
			if _, ok := seen[d.Queue]; !ok {
				seen[d.Queue] = struct{}{}
				if err := ensure(txn, d.Queue); err != nil {
					return err
				}
			}
			if err := txn.Set(keys[i], []byte(d.Payload)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pop deletes and returns the lowest-sequence item of the queue.
func (s *Store) Pop(name string) (string, bool, error) {
	if err := s.check(name); err != nil {
		return "", false, err
	}

	var (
		payload string
		found   bool
	)
	prefix := queuePrefix(name)
	err := s.retry(func(txn *badger.Txn) error {
		found = false
		if err := ensure(txn, name); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		payload, found = string(val), true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return payload, found, nil
}

// retry runs fn in an update transaction, retrying on write conflicts with
// concurrent pops of the same queue.
func (s *Store) retry(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("queue transaction failed after %d attempts: %w", maxConflictRetries, err)
}

// Len counts the items of the queue.
func (s *Store) Len(name string) (int, error) {
	if err := s.check(name); err != nil {
		if errors.Is(err, storage.ErrInvalidQueue) {
			return 0, nil
		}
		return 0, err
	}
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		n = count(txn, queuePrefix(name))
		return nil
	})
	return n, err
}

func count(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

// Queues lists every queue marker together with its depth.
func (s *Store) Queues() ([]storage.QueueInfo, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, storage.ErrStoreClosed
	}

	var infos []storage.QueueInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte{markerPrefix}
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			name := string(it.Item().Key()[1:])
			infos = append(infos, storage.QueueInfo{Name: name})
		}
		for i := range infos {
			infos[i].Depth = count(txn, queuePrefix(infos[i].Name))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Close closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}
