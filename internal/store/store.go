// Package store wraps the Redis key-value operations the rate-limit and
// flow-control engines need, bounding every round trip with a deadline and
// treating store unavailability as a recoverable, fail-open condition
// rather than an engine error.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings, read from the environment
// (REDIS_HOST, REDIS_PORT, REDIS_DB, REDIS_USERNAME, REDIS_PASSWORD) at
// process startup.
type Config struct {
	Host     string
	Port     int
	DB       int
	Username string
	Password string
}

// Addr formats the host:port pair for redis.Options.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultDeadline bounds every KV round trip.
const DefaultDeadline = 100 * time.Millisecond

// Store is the minimal Redis surface the engines use: EXISTS/SET/EXPIRE/
// TTL/INCR/LLEN/LPUSH/SADD/SCARD, pipelined where atomicity matters. There
// is no GET; the ban check uses EXISTS.
type Store struct {
	client *redis.Client
}

// New connects to Redis using cfg. It does not ping eagerly; connection
// problems surface as per-call errors that callers treat as fail-open.
func New(cfg Config) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	})}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultDeadline)
}

// IncrAndTTL increments key and reads its TTL in one pipelined round trip;
// if the key has no TTL yet (TTL < 0), a follow-up EXPIRE sets it to
// timeframe.
func (s *Store) IncrAndTTL(ctx context.Context, key string, timeframe time.Duration) (count int64, err error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	incrCmd := pipe.Incr(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store: incr/ttl pipeline: %w", err)
	}
	if ttlCmd.Val() < 0 {
		if err := s.client.Expire(ctx, key, timeframe).Err(); err != nil {
			slog.Warn("store: failed to set expiry after incr", "key", key, "error", err)
		}
	}
	return incrCmd.Val(), nil
}

// SaddAndTTL adds member to the set at key and returns its cardinality,
// setting TTL the same way IncrAndTTL does for counters.
func (s *Store) SaddAndTTL(ctx context.Context, key, member string, timeframe time.Duration) (card int64, err error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	cardCmd := pipe.SCard(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store: sadd/scard/ttl pipeline: %w", err)
	}
	if ttlCmd.Val() < 0 {
		if err := s.client.Expire(ctx, key, timeframe).Err(); err != nil {
			slog.Warn("store: failed to set expiry after sadd", "key", key, "error", err)
		}
	}
	return cardCmd.Val(), nil
}

// Exists reports whether key is present, used for the rate-limit ban check.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// SetWithTTL writes key=value with an expiry, used to write ban keys.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Len returns LLEN key, the count of prior flow-control steps completed.
func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: llen %s: %w", key, err)
	}
	return n, nil
}

// PushAndTTL LPUSHes value onto key and sets TTL if absent, mirroring the
// flow-control step-advance operation.
func (s *Store) PushAndTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: lpush/ttl pipeline: %w", err)
	}
	if ttlCmd.Val() < 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			slog.Warn("store: failed to set expiry after lpush", "key", key, "error", err)
		}
	}
	return nil
}

// retryPing is used at startup only, to give a freshly-started Redis a few
// chances to come up before the engine gives up and runs store-less.
func retryPing(ctx context.Context, client *redis.Client) error {
	op := func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}
	_, err := backoff.Retry(ctx, op, backoff.WithMaxTries(5))
	return err
}

// Ping verifies connectivity at startup with bounded retries, returning an
// error the caller may log and proceed past (the engines themselves treat
// every subsequent failure as fail-open, not fatal).
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return retryPing(ctx, s.client)
}
