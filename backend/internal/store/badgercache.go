package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerCacheStore implements CacheStore on BadgerDB. It caches entity
// snapshots and timeline projections; the write coordinator owns
// invalidation for every key it touches.
type BadgerCacheStore struct {
	db     *badger.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// BadgerCacheOptions configures the cache store
type BadgerCacheOptions struct {
	// Dir is the on-disk location; ignored when InMemory is set
	Dir string
	// InMemory keeps the cache entirely in RAM, useful for tests
	InMemory bool
}

// OpenBadgerCache opens or creates the cache database
func OpenBadgerCache(opts BadgerCacheOptions) (*BadgerCacheStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &BadgerCacheStore{
		db:     db,
		logger: logger.Get(),
	}, nil
}

// Ready reports whether the cache accepts operations
func (s *BadgerCacheStore) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db.IsClosed() {
		return errors.NewDependencyUnavailable(string(NameCache), nil)
	}
	return nil
}

// Get returns the cached value for key, with a presence flag
func (s *BadgerCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key with an optional TTL
func (s *BadgerCacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate removes a single key; missing keys are not an error
func (s *BadgerCacheStore) Invalidate(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// Clear drops every cached entry
func (s *BadgerCacheStore) Clear(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	s.logger.Debug("Cache cleared")
	return nil
}

// Close closes the underlying database
func (s *BadgerCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
