// Package queue implements the durable Queue Store: a collection of named,
// ordered byte-key/byte-value trees shared read-write by every pipeline
// component. It is the sole locus of shared mutable state in the engine —
// every stage transition is an atomic move between two trees, and every
// long-running loop blocks on a tree's change-subscription when it has
// drained, rather than polling in a tight loop.
//
// Built on go.etcd.io/bbolt, an embedded ordered key/value store: each
// named tree is a bbolt bucket, opened lazily on first use. bbolt's own
// transactions already give per-call atomicity; Move wraps
// the remove-then-insert pair in a single bbolt.Tx so a crash between the
// two effects is impossible by construction.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrKeyNotFound is returned by Move and MoveBytes when the requested key is
// not present in the source tree.
var ErrKeyNotFound = errors.New("queue: key not found")

// scalarsBucket holds config-derived scalar keys (credential paths, URL
// prefixes) alongside the named work queues.
const scalarsBucket = "scalars"

// Store is a durable, crash-restartable collection of named ordered trees.
// A Store is safe for concurrent use by any number of goroutines.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Open opens (creating if necessary) a Queue Store at path, normally
// "./database/snowpatch.db".
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue store %s: %w", path, err)
	}
	return &Store{db: db, waiters: make(map[string]chan struct{})}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes key→value into tree, creating tree if it does not exist.
func (s *Store) Insert(tree string, key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tree))
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("insert into %q: %w", tree, err)
	}
	s.notify(tree)
	return nil
}

// Remove deletes key from tree. Removing an absent key is not an error —
// callers that need to distinguish absence use Get first.
func (s *Store) Remove(tree string, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("remove from %q: %w", tree, err)
	}
	s.notify(tree)
	return nil
}

// Get reads key from tree. ok is false when the tree or key does not exist.
func (s *Store) Get(tree string, key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get from %q: %w", tree, err)
	}
	return value, ok, nil
}

// Len returns the number of keys in tree (0 if the tree does not exist).
func (s *Store) Len(tree string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("len of %q: %w", tree, err)
	}
	return n, nil
}

// Iterate calls fn for every key/value pair in tree, in ascending key order,
// oldest-first for queues whose keys encode insertion order (see codec.go).
// fn must not mutate the Store; collect keys to act on and apply changes
// after Iterate returns, the same pattern the Dispatcher uses to avoid
// invalidating the in-flight cursor.
func (s *Store) Iterate(tree string, fn func(key, value []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate %q: %w", tree, err)
	}
	return nil
}

// Move atomically transfers key from fromTree to toTree, preserving its
// value. Both effects happen in a single bbolt transaction — a process
// crash can never leave the key present in both trees or in neither.
// Returns ErrKeyNotFound if key is absent from fromTree.
func (s *Store) Move(fromTree, toTree, key string) error {
	return s.MoveBytes(fromTree, toTree, []byte(key))
}

// MoveBytes is Move for callers already holding a []byte key (e.g. the
// binary-encoded series id keys used by the Git Engine).
func (s *Store) MoveBytes(fromTree, toTree string, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		from := tx.Bucket([]byte(fromTree))
		if from == nil {
			return ErrKeyNotFound
		}
		v := from.Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value := append([]byte(nil), v...)

		to, err := tx.CreateBucketIfNotExists([]byte(toTree))
		if err != nil {
			return err
		}
		if err := to.Put(key, value); err != nil {
			return err
		}
		return from.Delete(key)
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("move %q -> %q: %w", fromTree, toTree, ErrKeyNotFound)
		}
		return fmt.Errorf("move %q -> %q: %w", fromTree, toTree, err)
	}
	s.notify(fromTree)
	s.notify(toTree)
	return nil
}

// SetScalar stores a config-derived scalar value (credential paths, URL
// prefixes) under the reserved scalars tree.
func (s *Store) SetScalar(key string, value []byte) error {
	return s.Insert(scalarsBucket, []byte(key), value)
}

// GetScalar reads a scalar value previously written by SetScalar.
func (s *Store) GetScalar(key string) (value []byte, ok bool, err error) {
	return s.Get(scalarsBucket, []byte(key))
}

// subscribe returns the channel that will be closed on the next write to
// tree. Call this before checking the tree's current contents so no write
// that happens between the check and the Wait is missed.
func (s *Store) subscribe(tree string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[tree]
	if !ok {
		ch = make(chan struct{})
		s.waiters[tree] = ch
	}
	return ch
}

// notify wakes every goroutine currently waiting on tree's subscription.
// Implemented by closing and discarding the shared channel: closing a
// channel is a broadcast that every receiver observes exactly once, with
// no missed-wakeup window the way a condition variable would require the
// caller to guard against.
func (s *Store) notify(tree string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[tree]; ok {
		close(ch)
		delete(s.waiters, tree)
	}
}

// Wait blocks until tree has been written to (via Insert, Remove, or Move)
// at least once after Wait was called, or until ctx is cancelled.
func (s *Store) Wait(ctx context.Context, tree string) error {
	ch := s.subscribe(tree)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
