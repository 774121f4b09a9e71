package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisKeyPrefix   = "quota:"

	maxTransformAttempts = 16
	transformLockStripes = 64
	transformBackoff     = 2 * time.Millisecond
	maxTransformBackoff  = 100 * time.Millisecond
	resetScanCount       = 200
)

// redisIncrementScript increments the JSON counter at KEYS[1], creating it
// from the initial record on first access.
//
// ARGV[1] = increment
// ARGV[2] = initial count
// ARGV[3] = initial createdAt (ms)
// ARGV[4] = ttl (ms), applied only on creation
var redisIncrementScript = redis.NewScript(`
local key = KEYS[1]
local by = tonumber(ARGV[1])
local ttl = tonumber(ARGV[4])

local raw = redis.call('GET', key)
local rec
if raw then
  rec = cjson.decode(raw)
else
  rec = {count = tonumber(ARGV[2]), createdAt = tonumber(ARGV[3])}
end
rec.count = (tonumber(rec.count) or 0) + by

local encoded = cjson.encode(rec)
if raw then
  local pttl = redis.call('PTTL', key)
  if pttl > 0 then
    redis.call('SET', key, encoded, 'PX', pttl)
  else
    redis.call('SET', key, encoded)
  end
elseif ttl > 0 then
  redis.call('SET', key, encoded, 'PX', ttl)
else
  redis.call('SET', key, encoded)
end
return encoded
`)

// redisDecrementScript decrements the JSON counter at KEYS[1], flooring at
// zero. Returns nil when the key does not exist.
//
// ARGV[1] = decrement
// ARGV[2] = ttl (ms); 0 keeps the current expiry
var redisDecrementScript = redis.NewScript(`
local key = KEYS[1]
local raw = redis.call('GET', key)
if not raw then
  return false
end

local by = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local rec = cjson.decode(raw)
local count = (tonumber(rec.count) or 0) - by
if count < 0 then
  count = 0
end
rec.count = count

local encoded = cjson.encode(rec)
local pttl = redis.call('PTTL', key)
if ttl > 0 then
  redis.call('SET', key, encoded, 'PX', ttl)
elseif pttl > 0 then
  redis.call('SET', key, encoded, 'PX', pttl)
else
  redis.call('SET', key, encoded)
end
return encoded
`)

// redisTakeTokenScript refills the bucket at KEYS[1] and consumes one token
// when one is available. Returns {allowed, encoded bucket}.
//
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens per ms)
// ARGV[3] = now (ms)
// ARGV[4] = ttl (ms)
var redisTakeTokenScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last = now
local raw = redis.call('GET', key)
if raw then
  local rec = cjson.decode(raw)
  tokens = tonumber(rec.tokens) or capacity
  last = tonumber(rec.lastRefill) or now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

local encoded = cjson.encode({tokens = tokens, lastRefill = now})
if ttl > 0 then
  redis.call('SET', key, encoded, 'PX', ttl)
else
  redis.call('SET', key, encoded)
end
return {allowed, encoded}
`)

// redisReturnTokenScript adds one token to the bucket at KEYS[1], capped at
// capacity. Returns nil when the key does not exist.
//
// ARGV[1] = capacity
// ARGV[2] = ttl (ms)
var redisReturnTokenScript = redis.NewScript(`
local key = KEYS[1]
local raw = redis.call('GET', key)
if not raw then
  return false
end

local capacity = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local rec = cjson.decode(raw)
rec.tokens = math.min(capacity, (tonumber(rec.tokens) or 0) + 1)

local encoded = cjson.encode(rec)
if ttl > 0 then
  redis.call('SET', key, encoded, 'PX', ttl)
else
  redis.call('SET', key, encoded)
end
return encoded
`)

// RedisOptions configures the shared backend.
type RedisOptions struct {
	Addr         string        `mapstructure:"addr" json:"addr,omitempty" yaml:"addr,omitempty"`
	Host         string        `mapstructure:"host" json:"host,omitempty" yaml:"host,omitempty"`
	Port         int           `mapstructure:"port" json:"port,omitempty" yaml:"port,omitempty"`
	Password     string        `mapstructure:"password" json:"password,omitempty" yaml:"password,omitempty"`
	DB           int           `mapstructure:"db" json:"db,omitempty" yaml:"db,omitempty"`
	Cluster      bool          `mapstructure:"cluster" json:"cluster,omitempty" yaml:"cluster,omitempty"`
	ClusterNodes []string      `mapstructure:"cluster_nodes" json:"cluster_nodes,omitempty" yaml:"cluster_nodes,omitempty"`
	PoolSize     int           `mapstructure:"pool_size" json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	MaxRetries   int           `mapstructure:"max_retries" json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	KeyPrefix    string        `mapstructure:"key_prefix" json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// RedisStore is a Store shared by every process pointed at the same Redis.
//
// Increment, Decrement and the token bucket step run as server-side
// scripts. Transform is an optimistic WATCH/MULTI transaction; calls for
// the same key from one process are serialized before they reach Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	// txLocks serialize Transform calls on one key within this process, so
	// WATCH conflicts only come from other processes.
	txLocks [transformLockStripes]sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Compile-time interface checks.
var (
	_ Store       = (*RedisStore)(nil)
	_ BucketStore = (*RedisStore)(nil)
)

// NewRedisStore connects to Redis and namespaces every key under
// <key_prefix><namespace>:.
func NewRedisStore(namespace string, opts *RedisOptions) (*RedisStore, error) {
	conf, err := normalizeRedisOptions(opts)
	if err != nil {
		return nil, err
	}

	s := NewRedisStoreWithClient(newRedisClient(conf), conf.KeyPrefix, namespace)
	if err := s.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix, namespace string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	prefix := keyPrefix
	if namespace != "" {
		prefix += namespace + ":"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), value, nonNegative(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, by int64, initial Counter, ttl time.Duration) (Counter, error) {
	if err := validKey(key); err != nil {
		return Counter{}, err
	}
	res, err := redisIncrementScript.Run(ctx, s.client, []string{s.key(key)},
		by, initial.Count, initial.CreatedAt, nonNegative(ttl).Milliseconds()).Text()
	if err != nil {
		return Counter{}, fmt.Errorf("running redis increment script: %w", err)
	}
	return DecodeCounter([]byte(res))
}

func (s *RedisStore) Decrement(ctx context.Context, key string, by int64, ttl time.Duration) (Counter, bool, error) {
	if err := validKey(key); err != nil {
		return Counter{}, false, err
	}
	res, err := redisDecrementScript.Run(ctx, s.client, []string{s.key(key)},
		by, nonNegative(ttl).Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("running redis decrement script: %w", err)
	}
	c, err := DecodeCounter([]byte(res))
	if err != nil {
		return Counter{}, false, err
	}
	return c, true, nil
}

// Transform retries the WATCH/MULTI cycle, with backoff, while writers in
// other processes touch the key. Calls from this process for the same key
// wait for each other instead of conflicting.
func (s *RedisStore) Transform(ctx context.Context, key string, ttl time.Duration, fn TransformFunc) error {
	if err := validKey(key); err != nil {
		return err
	}
	k := s.key(key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, next, nonNegative(ttl))
			return nil
		})
		return err
	}

	mu := s.txLock(k)
	mu.Lock()
	defer mu.Unlock()

	backoff := transformBackoff
	for attempt := 0; attempt < maxTransformAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis transform %q: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxTransformBackoff)
	}
	return fmt.Errorf("redis transform %q: %w", key, ErrConflict)
}

func (s *RedisStore) txLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.txLocks[h.Sum32()%transformLockStripes]
}

// TakeToken runs the whole refill and consume step in one script.
func (s *RedisStore) TakeToken(ctx context.Context, key string, p BucketParams) (Bucket, bool, error) {
	if err := validKey(key); err != nil {
		return Bucket{}, false, err
	}
	res, err := redisTakeTokenScript.Run(ctx, s.client, []string{s.key(key)},
		p.Capacity, p.Rate, p.NowMS, nonNegative(p.TTL).Milliseconds()).Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("running redis take token script: %w", err)
	}
	if len(res) != 2 {
		return Bucket{}, false, fmt.Errorf("redis take token script returned %d values", len(res))
	}
	allowed, _ := res[0].(int64)
	encoded, ok := res[1].(string)
	if !ok {
		return Bucket{}, false, fmt.Errorf("redis take token script returned %T", res[1])
	}
	b, err := DecodeBucket([]byte(encoded))
	if err != nil {
		return Bucket{}, false, err
	}
	return b, allowed == 1, nil
}

func (s *RedisStore) ReturnToken(ctx context.Context, key string, p BucketParams) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := redisReturnTokenScript.Run(ctx, s.client, []string{s.key(key)},
		p.Capacity, nonNegative(p.TTL).Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("running redis return token script: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Reset scans for every key under the store prefix and deletes them. On a
// cluster every master is scanned.
func (s *RedisStore) Reset(ctx context.Context) error {
	pattern := escapeGlob(s.prefix) + "*"

	if cc, ok := s.client.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return deleteMatching(ctx, c, pattern)
		})
	}
	return deleteMatching(ctx, s.client, pattern)
}

func deleteMatching(ctx context.Context, c redis.Cmdable, pattern string) error {
	iter := c.Scan(ctx, 0, pattern, resetScanCount).Iterator()
	batch := make([]string, 0, resetScanCount)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// One DEL per key keeps cluster nodes away from CROSSSLOT errors.
		pipe := c.Pipeline()
		for _, k := range batch {
			pipe.Del(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis reset delete: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == resetScanCount {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis reset scan: %w", err)
	}
	return flush()
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *RedisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := s.client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func normalizeRedisOptions(opts *RedisOptions) (*RedisOptions, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options are required")
	}

	conf := *opts
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.KeyPrefix == "" {
		conf.KeyPrefix = defaultRedisKeyPrefix
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
		return &conf, nil
	}

	if conf.Addr == "" {
		host := conf.Host
		if host == "" {
			host = "localhost"
		}
		port := conf.Port
		if port == 0 {
			port = 6379
		}
		if port < 0 {
			return nil, fmt.Errorf("port must be positive, got %d", port)
		}
		conf.Addr = host + ":" + strconv.Itoa(port)
	}
	return &conf, nil
}

func newRedisClient(cfg *RedisOptions) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
