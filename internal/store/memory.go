package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
)

const defaultCleanupInterval = time.Minute

// MemoryOptions configures the in-process backend.
type MemoryOptions struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval" yaml:"cleanup_interval"`
	Clock           clock.Clock   `mapstructure:"-" json:"-" yaml:"-"`
}

// MemoryStore is an in-process Store backed by a map.
//
// Every operation runs inside one critical section with no I/O between the
// read and the write, which is what makes Increment and Decrement atomic.
// Expiry is judged against the configured Clock; a background sweep purges
// expired entries until Close is called.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]memItem
	clock  clock.Clock
	closed bool

	cleanupInterval time.Duration
	stopCh          chan struct{}
	doneCh          chan struct{}
	closeOnce       sync.Once
}

type memItem struct {
	value     []byte
	expiresAt time.Time // zero value means no expiration
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs a memory-backed Store and starts its sweep.
func NewMemoryStore(opts *MemoryOptions) (*MemoryStore, error) {
	settings := MemoryOptions{CleanupInterval: defaultCleanupInterval}
	if opts != nil {
		if opts.CleanupInterval < 0 {
			return nil, fmt.Errorf("cleanup_interval must be positive, got %s", opts.CleanupInterval)
		}
		if opts.CleanupInterval > 0 {
			settings.CleanupInterval = opts.CleanupInterval
		}
		settings.Clock = opts.Clock
	}

	s := &MemoryStore{
		items:           make(map[string]memItem),
		clock:           clock.OrReal(settings.Clock),
		cleanupInterval: settings.CleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	go s.cleanupLoop()

	return s, nil
}

// lock acquires the store mutex after checking ctx and the closed flag.
// Callers must unlock when err is nil.
func (s *MemoryStore) lock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// live returns the unexpired item at key. Must be called with s.mu held.
func (s *MemoryStore) live(key string, now time.Time) (memItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
		delete(s.items, key)
		return memItem{}, false
	}
	return item, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.lock(ctx, key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	item, ok := s.live(key, s.clock.Now())
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent mutation.
	val := make([]byte, len(item.value))
	copy(val, item.value)
	return val, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.lock(ctx, key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.put(key, value, expiry(s.clock.Now(), ttl))
	return nil
}

func (s *MemoryStore) put(key string, value []byte, expiresAt time.Time) {
	item := memItem{
		value:     make([]byte, len(value)),
		expiresAt: expiresAt,
	}
	copy(item.value, value)
	s.items[key] = item
}

func (s *MemoryStore) Increment(ctx context.Context, key string, by int64, initial Counter, ttl time.Duration) (Counter, error) {
	if err := s.lock(ctx, key); err != nil {
		return Counter{}, err
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	c := initial
	expiresAt := expiry(now, ttl)
	if item, ok := s.live(key, now); ok {
		decoded, err := DecodeCounter(item.value)
		if err != nil {
			return Counter{}, fmt.Errorf("incrementing %q: %w", key, err)
		}
		c = decoded
		expiresAt = item.expiresAt
	}

	c.Count += by
	s.items[key] = memItem{value: c.Encode(), expiresAt: expiresAt}
	return c, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, key string, by int64, ttl time.Duration) (Counter, bool, error) {
	if err := s.lock(ctx, key); err != nil {
		return Counter{}, false, err
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	item, ok := s.live(key, now)
	if !ok {
		return Counter{}, false, nil
	}
	c, err := DecodeCounter(item.value)
	if err != nil {
		return Counter{}, false, fmt.Errorf("decrementing %q: %w", key, err)
	}

	c.Count -= by
	if c.Count < 0 {
		c.Count = 0
	}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}
	item.value = c.Encode()
	s.items[key] = item
	return c, true, nil
}

func (s *MemoryStore) Transform(ctx context.Context, key string, ttl time.Duration, fn TransformFunc) error {
	if err := s.lock(ctx, key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	var current []byte
	if item, ok := s.live(key, now); ok {
		current = make([]byte, len(item.value))
		copy(current, item.value)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.items, key)
		return nil
	}
	s.put(key, next, expiry(now, ttl))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.lock(ctx, key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Reset drops every entry.
func (s *MemoryStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.items = make(map[string]memItem)
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// Cleanup removes all expired entries. The background sweep calls it on
// every tick. Expired keys are collected in one pass and then deleted in
// batches of sweepBatch, so request-path operations only ever wait for a
// short critical section.
func (s *MemoryStore) Cleanup() {
	now := s.clock.Now()
	s.sweep(s.expiredKeys(now), now)
}

const sweepBatch = 256

func (s *MemoryStore) expiredKeys(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, item := range s.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// sweep deletes keys that are still expired at now. A key rewritten since
// it was collected is kept.
func (s *MemoryStore) sweep(keys []string, now time.Time) {
	for start := 0; start < len(keys); start += sweepBatch {
		end := min(start+sweepBatch, len(keys))

		s.mu.Lock()
		for _, key := range keys[start:end] {
			s.live(key, now)
		}
		s.mu.Unlock()
	}
}

// Close stops the background sweep and releases the map. It is idempotent.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh

		s.mu.Lock()
		s.closed = true
		s.items = nil
		s.mu.Unlock()
	})
	return nil
}
