// Package store re-exports the storage backends so callers can share one
// backend between several limiters or implement their own.
package store

import (
	"github.com/redis/go-redis/v9"

	internalstore "github.com/SmitUplenchwar2687/quota/internal/store"
	"github.com/SmitUplenchwar2687/quota/pkg/clock"
)

// Store is the key-value contract the strategies run against.
type Store = internalstore.Store

// Counter is the persisted fixed and sliding window record.
type Counter = internalstore.Counter

// TransformFunc computes a key's replacement value inside Store.Transform.
type TransformFunc = internalstore.TransformFunc

// Bucket is the persisted token bucket record.
type Bucket = internalstore.Bucket

// BucketStore is implemented by backends that run the token bucket step
// server-side; custom stores may implement it too.
type BucketStore = internalstore.BucketStore

// BucketParams describe one token bucket step.
type BucketParams = internalstore.BucketParams

// Kind selects a backend.
type Kind = internalstore.Kind

const (
	KindMemory = internalstore.KindMemory
	KindShared = internalstore.KindShared
	KindSQL    = internalstore.KindSQL
)

var (
	ErrClosed      = internalstore.ErrClosed
	ErrConflict    = internalstore.ErrConflict
	ErrUnknownKind = internalstore.ErrUnknownKind
)

type (
	MemoryStore   = internalstore.MemoryStore
	MemoryOptions = internalstore.MemoryOptions
	RedisStore    = internalstore.RedisStore
	RedisOptions  = internalstore.RedisOptions
	SQLStore      = internalstore.SQLStore
	SQLOptions    = internalstore.SQLOptions
)

// ParseKind resolves a backend name.
func ParseKind(s string) (Kind, error) {
	return internalstore.ParseKind(s)
}

// New builds the backend selected by kind from a loosely typed option map.
func New(kind Kind, namespace string, options map[string]any, c clock.Clock) (Store, error) {
	return internalstore.New(kind, namespace, options, c)
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(opts *MemoryOptions) (*MemoryStore, error) {
	return internalstore.NewMemoryStore(opts)
}

// NewRedisStore connects to Redis and returns a store isolated by namespace.
func NewRedisStore(namespace string, opts *RedisOptions) (*RedisStore, error) {
	return internalstore.NewRedisStore(namespace, opts)
}

// NewRedisStoreWithClient wraps an existing go-redis client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix, namespace string) *RedisStore {
	return internalstore.NewRedisStoreWithClient(client, keyPrefix, namespace)
}

// NewSQLStore opens a SQLite-backed store.
func NewSQLStore(namespace string, opts *SQLOptions) (*SQLStore, error) {
	return internalstore.NewSQLStore(namespace, opts)
}
