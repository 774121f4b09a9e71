package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	testcontainers "github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

// newRedisStoreForTest starts a real Redis in a container. The test is
// skipped when no container runtime is available.
func newRedisStoreForTest(t *testing.T, namespace string) *RedisStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := rediscontainer.Run(ctx, "redis:7.2-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("container mapped port: %v", err)
	}
	p, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatalf("parse mapped port: %v", err)
	}

	s, err := NewRedisStore(namespace, &RedisOptions{
		Host:        host,
		Port:        p,
		PoolSize:    20,
		MaxRetries:  3,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRedisStore() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestRedisStore_RealServer runs the contract against a real Redis, whose
// cjson number formatting differs from the in-process server.
func TestRedisStore_RealServer(t *testing.T) {
	s := newRedisStoreForTest(t, "container")
	b := backend{
		store:   s,
		advance: func(d time.Duration) { time.Sleep(d) },
	}

	for name, run := range map[string]func(*testing.T, backend){
		"IncrementInitializes": contractIncrementInitializes,
		"Decrement":            contractDecrementNoExpiryCheck,
		"Transform":            contractTransform,
		"Reset":                contractReset,
		"ConcurrentIncrement":  contractConcurrentIncrement,
	} {
		t.Run(name, func(t *testing.T) {
			if err := s.Reset(context.Background()); err != nil {
				t.Fatalf("Reset() error = %v", err)
			}
			run(t, b)
		})
	}
}

// contractDecrementNoExpiryCheck is contractDecrement without the minute
// long wait on real time.
func contractDecrementNoExpiryCheck(t *testing.T, b backend) {
	ctx := context.Background()
	if _, err := b.store.Increment(ctx, "dec", 2, Counter{}, time.Minute); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	c, ok, err := b.store.Decrement(ctx, "dec", 5, 0)
	if err != nil || !ok {
		t.Fatalf("Decrement() = %+v, %v, %v", c, ok, err)
	}
	if c.Count != 0 {
		t.Fatalf("Decrement() should floor at zero, got %d", c.Count)
	}
}
