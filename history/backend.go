// Package history retains past captures per instrument, ordered by arrival,
// so the session can replay, persist and inspect waveforms after the live
// buffers have moved on.
package history

import (
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Backend stores history entries ordered by key. Keys are monotonic ULIDs,
// so lexical order is arrival order.
type Backend interface {
	Set(key []byte, value []byte) error
	GetLast(count int) ([][]byte, error)
	All() ([][]byte, error)
	DeleteFirst() error
	Count() (int, error)
	Close() error
}

type BackendGenerator func(storeID string) (Backend, error)

// memoryBackend keeps entries in insertion order. Keys are appended strictly
// increasing by construction, so no sorting is needed.
type memoryBackend struct {
	mu     sync.Mutex
	keys   [][]byte
	values [][]byte
}

func NewMemoryBackend() Backend {
	return &memoryBackend{}
}

func NewMemoryBackendGenerator() BackendGenerator {
	return func(_ string) (Backend, error) {
		return NewMemoryBackend(), nil
	}
}

func (s *memoryBackend) Set(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.values = append(s.values, value)
	return nil
}

func (s *memoryBackend) GetLast(count int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count > len(s.values) {
		count = len(s.values)
	}
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		out[i] = s.values[len(s.values)-1-i]
	}
	return out, nil
}

func (s *memoryBackend) All() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.values))
	copy(out, s.values)
	return out, nil
}

func (s *memoryBackend) DeleteFirst() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return nil
	}
	s.keys = s.keys[1:]
	s.values = s.values[1:]
	return nil
}

func (s *memoryBackend) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values), nil
}

func (s *memoryBackend) Close() error { return nil }

// diskBackend persists history in a Badger keyspace, surviving restarts.
type diskBackend struct {
	store *badger.DB
}

func NewDiskBackend(path string) (Backend, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(newBadgerLogger(zap.L().Sugar().With("service", "history-disk")))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &diskBackend{store: db}, nil
}

func NewDiskBackendGenerator(baseDir string) BackendGenerator {
	return func(storeID string) (Backend, error) {
		return NewDiskBackend(baseDir + "/" + storeID)
	}
}

func (s *diskBackend) Set(key []byte, value []byte) error {
	return s.store.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *diskBackend) GetLast(count int) ([][]byte, error) {
	var result [][]byte
	err := s.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
		for it.Seek(seek); it.Valid() && len(result) < count; it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *diskBackend) All() ([][]byte, error) {
	var result [][]byte
	err := s.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *diskBackend) DeleteFirst() error {
	return s.store.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		return txn.Delete(it.Item().KeyCopy(nil))
	})
}

func (s *diskBackend) Count() (int, error) {
	count := 0
	err := s.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *diskBackend) Close() error {
	return s.store.Close()
}
