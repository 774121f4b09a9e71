package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
)

const defaultSQLDSN = "quota.db"

// SQLOptions configures the durable SQLite backend.
type SQLOptions struct {
	DSN             string        `mapstructure:"dsn" json:"dsn,omitempty" yaml:"dsn,omitempty"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
	Clock           clock.Clock   `mapstructure:"-" json:"-" yaml:"-"`

	// Logger receives sweep failures. Nil means slog.Default().
	Logger *slog.Logger `mapstructure:"-" json:"-" yaml:"-"`
}

// SQLStore is a Store persisted in SQLite. Counters survive restarts and
// can be shared by processes on one host through the database file.
//
// The pool is capped at one connection and every mutation runs in an
// immediate transaction, so a read-modify-write never interleaves with
// another writer.
type SQLStore struct {
	db        *sql.DB
	namespace string
	clock     clock.Clock
	logger    *slog.Logger

	cleanupInterval time.Duration
	stopCh          chan struct{}
	doneCh          chan struct{}
	closeOnce       sync.Once
	closeErr        error
}

// Compile-time interface check.
var _ Store = (*SQLStore)(nil)

// NewSQLStore opens (or creates) the database and its schema.
func NewSQLStore(namespace string, opts *SQLOptions) (*SQLStore, error) {
	settings := SQLOptions{DSN: defaultSQLDSN, CleanupInterval: defaultCleanupInterval}
	if opts != nil {
		if opts.DSN != "" {
			settings.DSN = opts.DSN
		}
		if opts.CleanupInterval > 0 {
			settings.CleanupInterval = opts.CleanupInterval
		}
		settings.Clock = opts.Clock
		settings.Logger = opts.Logger
	}
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", sqliteDSN(settings.DSN))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quota_entries (
			namespace  TEXT    NOT NULL,
			key        TEXT    NOT NULL,
			value      BLOB    NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (namespace, key)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	s := &SQLStore{
		db:              db,
		namespace:       namespace,
		clock:           clock.OrReal(settings.Clock),
		logger:          settings.Logger,
		cleanupInterval: settings.CleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	go s.cleanupLoop()

	return s, nil
}

// sqliteDSN adds the immediate transaction lock and a busy timeout unless
// the caller already passed query parameters.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_txlock=immediate&_pragma=busy_timeout(5000)"
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load returns the unexpired value at key and its expiry in milliseconds.
func (s *SQLStore) load(ctx context.Context, q rowQuerier, key string, nowMS int64) ([]byte, int64, bool, error) {
	var value []byte
	var expiresAt int64
	err := q.QueryRowContext(ctx,
		`SELECT value, expires_at FROM quota_entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("select %q: %w", key, err)
	}
	if expiresAt > 0 && expiresAt <= nowMS {
		return nil, 0, false, nil
	}
	return value, expiresAt, true, nil
}

func (s *SQLStore) upsert(ctx context.Context, tx *sql.Tx, key string, value []byte, expiresAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quota_entries (namespace, key, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.namespace, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

func expiryMillis(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	value, _, _, err := s.load(ctx, s.db, key, s.clock.Now().UnixMilli())
	return value, err
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsert(ctx, tx, key, value, expiryMillis(s.clock.Now(), ttl))
	})
}

func (s *SQLStore) Increment(ctx context.Context, key string, by int64, initial Counter, ttl time.Duration) (Counter, error) {
	if err := validKey(key); err != nil {
		return Counter{}, err
	}

	var c Counter
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		value, expiresAt, ok, err := s.load(ctx, tx, key, now.UnixMilli())
		if err != nil {
			return err
		}

		c = initial
		if ok {
			if c, err = DecodeCounter(value); err != nil {
				return fmt.Errorf("incrementing %q: %w", key, err)
			}
		} else {
			expiresAt = expiryMillis(now, ttl)
		}

		c.Count += by
		return s.upsert(ctx, tx, key, c.Encode(), expiresAt)
	})
	if err != nil {
		return Counter{}, err
	}
	return c, nil
}

func (s *SQLStore) Decrement(ctx context.Context, key string, by int64, ttl time.Duration) (Counter, bool, error) {
	if err := validKey(key); err != nil {
		return Counter{}, false, err
	}

	var (
		c     Counter
		found bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		value, expiresAt, ok, err := s.load(ctx, tx, key, now.UnixMilli())
		if err != nil || !ok {
			return err
		}
		if c, err = DecodeCounter(value); err != nil {
			return fmt.Errorf("decrementing %q: %w", key, err)
		}

		c.Count -= by
		if c.Count < 0 {
			c.Count = 0
		}
		if ttl > 0 {
			expiresAt = expiryMillis(now, ttl)
		}
		found = true
		return s.upsert(ctx, tx, key, c.Encode(), expiresAt)
	})
	if err != nil {
		return Counter{}, false, err
	}
	return c, found, nil
}

func (s *SQLStore) Transform(ctx context.Context, key string, ttl time.Duration, fn TransformFunc) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		current, _, _, err := s.load(ctx, tx, key, now.UnixMilli())
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM quota_entries WHERE namespace = ? AND key = ?`, s.namespace, key)
			return err
		}
		return s.upsert(ctx, tx, key, next, expiryMillis(now, ttl))
	})
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_entries WHERE namespace = ? AND key = ?`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Reset deletes every row in the store's namespace.
func (s *SQLStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_entries WHERE namespace = ?`, s.namespace); err != nil {
		return fmt.Errorf("reset namespace %q: %w", s.namespace, err)
	}
	return nil
}

func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep runs one Cleanup; a failure is logged and retried on the next tick.
func (s *SQLStore) sweep() {
	if err := s.Cleanup(context.Background()); err != nil {
		s.logger.Warn("sqlite sweep failed", "namespace", s.namespace, "error", err)
	}
}

// Cleanup deletes expired rows in the store's namespace.
func (s *SQLStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_entries WHERE namespace = ? AND expires_at > 0 AND expires_at <= ?`,
		s.namespace, s.clock.Now().UnixMilli())
	return err
}

// Close stops the sweep and closes the database. It is idempotent.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
