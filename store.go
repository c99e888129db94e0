package spacekeeper

import (
	"context"
	"sort"
	"sync"
)

// DefaultSnapshotBatchSize is the number of items per batch in a snapshot.
const DefaultSnapshotBatchSize = 256

// Store is an in-memory key/value storage engine for a space instance. On a
// backup it receives replicated batches during space copy; on a primary it
// produces the snapshot that recovering backups copy.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	// Number of items per snapshot batch.
	SnapshotBatchSize int
}

// NewStore returns a new, empty instance of Store.
func NewStore() *Store {
	return &Store{
		data:              make(map[string][]byte),
		SnapshotBatchSize: DefaultSnapshotBatchSize,
	}
}

// Len returns the number of keys in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Get returns the value of key and whether it exists.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Put sets the value of key. A nil value deletes the key.
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value)
}

func (s *Store) putLocked(key string, value []byte) {
	if value == nil {
		delete(s.data, key)
		return
	}
	s.data[key] = append([]byte(nil), value...)
}

// Reset removes all keys. Called before a full state transfer starts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
}

// Apply writes every item of batch to the store. It implements ApplyFunc.
func (s *Store) Apply(ctx context.Context, batch *ReplicaBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range batch.Items {
		s.putLocked(item.Key, item.Data)
	}
	return nil
}

// Snapshot returns the contents of the store as fifo batches numbered from 1,
// ordered by key.
func (s *Store) Snapshot(ctx context.Context) ([]*ReplicaBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	batchSize := s.SnapshotBatchSize
	if batchSize <= 0 {
		batchSize = DefaultSnapshotBatchSize
	}

	var batches []*ReplicaBatch
	for len(keys) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := batchSize
		if n > len(keys) {
			n = len(keys)
		}

		batch := &ReplicaBatch{SequenceID: len(batches) + 1}
		for _, key := range keys[:n] {
			batch.Items = append(batch.Items, ReplicaData{Key: key, Data: append([]byte(nil), s.data[key]...)})
		}
		batches = append(batches, batch)
		keys = keys[n:]
	}
	return batches, nil
}
