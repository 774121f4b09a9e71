package cli

import (
	"maps"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/quota/internal/config"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

// storeFlag maps a command-line flag onto a backend option key.
type storeFlag struct {
	flag   string
	option string
	kind   store.Kind
	value  func() any
}

type storeOptions struct {
	backend string

	memoryCleanupInterval time.Duration

	redisAddr         string
	redisPassword     string
	redisDB           int
	redisCluster      bool
	redisClusterNodes []string
	redisPoolSize     int
	redisMaxRetries   int
	redisDialTimeout  time.Duration
	redisKeyPrefix    string

	sqlDSN             string
	sqlCleanupInterval time.Duration
}

func (o *storeOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.backend, "store", string(store.KindMemory), "store backend (memory, shared, sql)")
	f.DurationVar(&o.memoryCleanupInterval, "memory-cleanup-interval", time.Minute, "sweep interval for the memory store")
	f.StringVar(&o.redisAddr, "redis-addr", "localhost:6379", "redis address (host:port)")
	f.StringVar(&o.redisPassword, "redis-password", "", "redis password")
	f.IntVar(&o.redisDB, "redis-db", 0, "redis database index")
	f.BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	f.StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	f.IntVar(&o.redisPoolSize, "redis-pool-size", 20, "redis connection pool size")
	f.IntVar(&o.redisMaxRetries, "redis-max-retries", 3, "redis max retries")
	f.DurationVar(&o.redisDialTimeout, "redis-dial-timeout", 5*time.Second, "redis dial timeout")
	f.StringVar(&o.redisKeyPrefix, "redis-key-prefix", "", "redis key prefix (default quota:)")
	f.StringVar(&o.sqlDSN, "sql-dsn", "quota.db", "sqlite database path for the sql store")
	f.DurationVar(&o.sqlCleanupInterval, "sql-cleanup-interval", time.Minute, "sweep interval for the sql store")
}

func (o *storeOptions) flags() []storeFlag {
	return []storeFlag{
		{"memory-cleanup-interval", "cleanup_interval", store.KindMemory, func() any { return o.memoryCleanupInterval.String() }},
		{"redis-addr", "addr", store.KindShared, func() any { return o.redisAddr }},
		{"redis-password", "password", store.KindShared, func() any { return o.redisPassword }},
		{"redis-db", "db", store.KindShared, func() any { return o.redisDB }},
		{"redis-cluster", "cluster", store.KindShared, func() any { return o.redisCluster }},
		{"redis-cluster-nodes", "cluster_nodes", store.KindShared, func() any { return append([]string(nil), o.redisClusterNodes...) }},
		{"redis-pool-size", "pool_size", store.KindShared, func() any { return o.redisPoolSize }},
		{"redis-max-retries", "max_retries", store.KindShared, func() any { return o.redisMaxRetries }},
		{"redis-dial-timeout", "dial_timeout", store.KindShared, func() any { return o.redisDialTimeout.String() }},
		{"redis-key-prefix", "key_prefix", store.KindShared, func() any { return o.redisKeyPrefix }},
		{"sql-dsn", "dsn", store.KindSQL, func() any { return o.sqlDSN }},
		{"sql-cleanup-interval", "cleanup_interval", store.KindSQL, func() any { return o.sqlCleanupInterval.String() }},
	}
}

// applyIfSet overrides lc's store with the flags the user set explicitly.
// Options for other backends than the resulting one are ignored.
func (o *storeOptions) applyIfSet(cmd *cobra.Command, lc *config.LimiterConfig) error {
	previous, _ := store.ParseKind(lc.Store)
	if cmd.Flags().Changed("store") {
		lc.Store = o.backend
	}
	kind, err := store.ParseKind(lc.Store)
	if err != nil {
		return err
	}
	if kind != previous {
		// Options written for the old backend would be rejected by the new one.
		lc.StoreOptions = nil
	}

	var opts map[string]any
	for _, sf := range o.flags() {
		if sf.kind != kind || !cmd.Flags().Changed(sf.flag) {
			continue
		}
		if opts == nil {
			opts = maps.Clone(lc.StoreOptions)
			if opts == nil {
				opts = map[string]any{}
			}
		}
		opts[sf.option] = sf.value()
	}
	if opts != nil {
		lc.StoreOptions = opts
	}
	return nil
}
