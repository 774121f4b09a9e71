package store

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedisStores(t *testing.T, namespaces ...string) (*miniredis.Miniredis, []*RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)

	stores := make([]*RedisStore, 0, len(namespaces))
	for _, ns := range namespaces {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := NewRedisStoreWithClient(client, "", ns)
		t.Cleanup(func() { _ = s.Close() })
		stores = append(stores, s)
	}
	return mr, stores
}

func TestRedisStore_KeysArePrefixed(t *testing.T) {
	mr, stores := newMiniRedisStores(t, "api")
	s := stores[0]

	if _, err := s.Increment(context.Background(), "1.2.3.4:42", 1, Counter{CreatedAt: 7}, time.Minute); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	if !mr.Exists("quota:api:1.2.3.4:42") {
		t.Fatalf("expected key quota:api:1.2.3.4:42, have %v", mr.Keys())
	}
	if ttl := mr.TTL("quota:api:1.2.3.4:42"); ttl != time.Minute {
		t.Fatalf("TTL = %v, want 1m", ttl)
	}
}

func TestRedisStore_ResetIsNamespaced(t *testing.T) {
	mr, stores := newMiniRedisStores(t, "api", "auth")
	api, auth := stores[0], stores[1]
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		key := "k" + strconv.Itoa(i)
		if _, err := api.Increment(ctx, key, 1, Counter{}, time.Minute); err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
	}
	if _, err := auth.Increment(ctx, "k", 1, Counter{}, time.Minute); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if err := mr.Set("unrelated", "keep"); err != nil {
		t.Fatalf("miniredis Set() error = %v", err)
	}

	if err := api.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	keys := mr.Keys()
	if len(keys) != 2 {
		t.Fatalf("keys after Reset() = %v, want only quota:auth:k and unrelated", keys)
	}
	if got, _ := auth.Get(ctx, "k"); got == nil {
		t.Fatal("Reset() of one namespace removed another namespace's key")
	}
}

func TestRedisStore_ResetEscapesGlob(t *testing.T) {
	mr, stores := newMiniRedisStores(t, "a*", "ab")
	star, ab := stores[0], stores[1]
	ctx := context.Background()

	_, _ = star.Increment(ctx, "x", 1, Counter{}, time.Minute)
	_, _ = ab.Increment(ctx, "x", 1, Counter{}, time.Minute)

	if err := star.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !mr.Exists("quota:ab:x") {
		t.Fatal("Reset() of namespace \"a*\" must not match namespace \"ab\"")
	}
}

func TestRedisStore_DecrementTTLOverride(t *testing.T) {
	mr, stores := newMiniRedisStores(t, "ns")
	s := stores[0]
	ctx := context.Background()

	_, _ = s.Increment(ctx, "k", 3, Counter{}, time.Minute)
	if _, _, err := s.Decrement(ctx, "k", 1, 5*time.Minute); err != nil {
		t.Fatalf("Decrement() error = %v", err)
	}
	if ttl := mr.TTL("quota:ns:k"); ttl != 5*time.Minute {
		t.Fatalf("TTL after Decrement() = %v, want 5m", ttl)
	}
}

func TestRedisStore_BackendDown(t *testing.T) {
	mr, stores := newMiniRedisStores(t, "ns")
	s := stores[0]
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Increment(ctx, "k", 1, Counter{}, time.Minute); err == nil {
		t.Fatal("Increment() against a stopped server should fail")
	}
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	_, stores := newMiniRedisStores(t, "ns")
	s := stores[0]
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// The second call returns the memoized result of the first.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestNormalizeRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		in       *RedisOptions
		wantAddr string
		wantErr  bool
	}{
		{name: "nil", in: nil, wantErr: true},
		{name: "defaults", in: &RedisOptions{}, wantAddr: "localhost:6379"},
		{name: "host and port", in: &RedisOptions{Host: "cache", Port: 6380}, wantAddr: "cache:6380"},
		{name: "addr wins", in: &RedisOptions{Addr: "10.0.0.1:7000", Host: "ignored"}, wantAddr: "10.0.0.1:7000"},
		{name: "negative port", in: &RedisOptions{Port: -1}, wantErr: true},
		{name: "cluster without nodes", in: &RedisOptions{Cluster: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeRedisOptions(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeRedisOptions() error = %v", err)
			}
			if got.Addr != tt.wantAddr {
				t.Errorf("Addr = %q, want %q", got.Addr, tt.wantAddr)
			}
			if got.PoolSize != defaultRedisPoolSize || got.KeyPrefix != defaultRedisKeyPrefix {
				t.Errorf("defaults not applied: %+v", got)
			}
		})
	}
}

func TestNewRedisStore_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("ns", &RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer s.Close()

	if _, err := NewRedisStore("ns", &RedisOptions{Addr: "127.0.0.1:1", MaxRetries: 1, DialTimeout: 50 * time.Millisecond}); err == nil {
		t.Fatal("NewRedisStore() should fail when the server is unreachable")
	}
}

func TestRedisStore_TakeToken(t *testing.T) {
	mr, stores := newMiniRedisStores(t, "ns")
	s := stores[0]
	ctx := context.Background()
	p := BucketParams{Capacity: 2, Rate: 0.001, NowMS: epoch.UnixMilli(), TTL: time.Minute}

	for i := 0; i < 2; i++ {
		if _, allowed, err := s.TakeToken(ctx, "k", p); err != nil || !allowed {
			t.Fatalf("TakeToken() #%d = %v, %v; want allowed", i+1, allowed, err)
		}
	}
	b, allowed, err := s.TakeToken(ctx, "k", p)
	if err != nil {
		t.Fatalf("TakeToken() error = %v", err)
	}
	if allowed || b.Tokens != 0 || b.LastRefill != p.NowMS {
		t.Fatalf("TakeToken() on an empty bucket = %+v, %v", b, allowed)
	}
	if ttl := mr.TTL("quota:ns:k"); ttl != time.Minute {
		t.Fatalf("TTL = %v, want 1m", ttl)
	}

	// One token per second refills.
	p.NowMS += 1000
	if _, allowed, _ := s.TakeToken(ctx, "k", p); !allowed {
		t.Fatal("TakeToken() after 1s should be allowed")
	}

	if err := s.ReturnToken(ctx, "k", p); err != nil {
		t.Fatalf("ReturnToken() error = %v", err)
	}
	raw, _ := s.Get(ctx, "k")
	got, err := DecodeBucket(raw)
	if err != nil {
		t.Fatalf("DecodeBucket() error = %v", err)
	}
	if got.Tokens != 1 {
		t.Fatalf("tokens after ReturnToken() = %v, want 1", got.Tokens)
	}

	if err := s.ReturnToken(ctx, "missing", p); err != nil {
		t.Fatalf("ReturnToken(missing) error = %v", err)
	}
	if mr.Exists("quota:ns:missing") {
		t.Fatal("ReturnToken() of a missing bucket created it")
	}
}

func TestRedisStore_TakeTokenConcurrent(t *testing.T) {
	_, stores := newMiniRedisStores(t, "ns")
	s := stores[0]
	p := BucketParams{Capacity: 25, Rate: 0.000001, NowMS: epoch.UnixMilli(), TTL: time.Hour}

	var allowed, failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.TakeToken(context.Background(), "hot", p)
			if err != nil {
				failed.Add(1)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d TakeToken() calls failed", failed.Load())
	}
	if allowed.Load() != 25 {
		t.Fatalf("allowed = %d, want 25", allowed.Load())
	}
}
