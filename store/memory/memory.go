// Package memory provides an in-memory implementation of store.Store using
// github.com/hashicorp/golang-lru/v2 to bound the number of records.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/httpconnections-go/store"
)

// DefaultMaxRecords bounds the directory when New is given a non-positive size.
const DefaultMaxRecords = 100_000

// Store implements store.Store in process memory. When full, the least
// recently used record is evicted.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *store.Record]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an in-memory store holding at most maxRecords records.
func New(maxRecords int) (*Store, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	cache, err := lru.New[string, *store.Record](maxRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Store{
		cache: cache,
		stop:  make(chan struct{}),
	}
	go s.cleanupExpired(time.Minute)

	return s, nil
}

func (s *Store) Get(ctx context.Context, connectionID string) (*store.Record, error) {
	s.mu.RLock()
	rec, ok := s.cache.Get(connectionID)
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if rec.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(connectionID)
		s.mu.Unlock()
		return nil, nil
	}

	out := *rec
	return &out, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record, opts ...store.Option) error {
	if rec.ConnectionID == "" {
		return store.ErrInvalidRecord
	}
	o := store.Apply(opts)

	rec.ExpiresAt = nil
	if o.TTL != nil {
		expiresAt := time.Now().Add(*o.TTL)
		rec.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(rec.ConnectionID, &rec)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	s.cache.Remove(connectionID)
	s.mu.Unlock()
	return nil
}

// Len reports the number of records held, including expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Len()
}

// Close stops the background sweeper and drops every record.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Store) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cache.Keys() {
		if rec, ok := s.cache.Peek(key); ok && rec.IsExpired() {
			s.cache.Remove(key)
		}
	}
}

var _ store.Store = (*Store)(nil)
