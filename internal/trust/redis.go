package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "trust:"
	defaultOpTimeout  = 500 * time.Millisecond
	defaultPingWindow = 5 * time.Second
)

// RedisStore is a Redis-backed trust table. Entries live under "trust:<addr>"
// with the trust window as the key TTL; a lookup hit refreshes the TTL, which
// gives the sliding window for free.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Lookup reports a miss on any error, so the caller falls back to full
//     credential validation instead of failing the request.
//   - Record returns the underlying error so callers can log it, but a failed
//     Record only costs the client a re-authentication later.
type RedisStore struct {
	client    *redis.Client
	window    time.Duration
	opTimeout time.Duration

	ownsClient bool
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle; Close on the store is a no-op for the connection.
func NewRedisStoreFromClient(cli *redis.Client, window time.Duration) *RedisStore {
	return &RedisStore{client: cli, window: window, opTimeout: defaultOpTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore that owns the client.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, window time.Duration) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("trust: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("trust: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingWindow)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("trust: ping: %w", err)
	}

	return &RedisStore{client: cli, window: window, opTimeout: defaultOpTimeout, ownsClient: true}, nil
}

// Lookup returns the user trusted for addr and refreshes the key TTL on a hit.
// Any Redis error is logged at WARN level and reported as a miss.
func (s *RedisStore) Lookup(ctx context.Context, addr string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	key := keyPrefix + addr

	user, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "trust_lookup_error",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
		}
		return "", false
	}

	// Sliding window: a hit resets the TTL to the full window. Best effort —
	// a failed refresh leaves the previous TTL in place.
	if err := s.client.Expire(ctx, key, s.window).Err(); err != nil {
		slog.WarnContext(ctx, "trust_refresh_error",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
	}

	return user, true
}

// Record inserts or overwrites the entry for addr with the full window as TTL.
func (s *RedisStore) Record(ctx context.Context, addr, user string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, keyPrefix+addr, user, s.window).Err(); err != nil {
		return fmt.Errorf("trust: record %s: %w", addr, err)
	}
	return nil
}

// Close closes the Redis client when the store owns it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
