// Package lock serializes layer runs across processes with a Redis lease.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another process holds the run lock.
var ErrHeld = errors.New("run lock is held by another process")

const (
	defaultTTL     = 30 * time.Second
	defaultBackoff = 500 * time.Millisecond
)

// Redis hands out leases that are refreshed while the run is in progress.
type Redis struct {
	rdb    *redis.Client
	locker *redislock.Client

	// TTL is the lease length; it is refreshed every TTL/2.
	TTL time.Duration
	// Wait is how long Lock retries before giving up. Zero means a single attempt.
	Wait   time.Duration
	Prefix string
	Logger *slog.Logger
}

// Options parses REDIS_URL. A bare host:port is accepted too.
func Options(redisURL string) (*redis.Options, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("redis url is empty")
	}
	if !strings.Contains(redisURL, "://") {
		return &redis.Options{Addr: redisURL}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

// Open connects to Redis and checks it answers.
func Open(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := Options(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return New(rdb), nil
}

func New(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, locker: redislock.New(rdb), TTL: defaultTTL, Prefix: "lock:"}
}

func (r *Redis) Close() error { return r.rdb.Close() }

// Key is the Redis key guarding a run key.
func (r *Redis) Key(key string) string { return r.Prefix + key }

func (r *Redis) ttl() time.Duration {
	if r.TTL <= 0 {
		return defaultTTL
	}
	return r.TTL
}

// Lock obtains the lease for key. The returned unlock stops the refresher and releases the lease.
func (r *Redis) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	ttl := r.ttl()
	opts := &redislock.Options{RetryStrategy: redislock.NoRetry()}
	if r.Wait > 0 {
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(defaultBackoff), int(r.Wait/defaultBackoff))
	}
	lease, err := r.locker.Obtain(ctx, r.Key(key), ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				rctx, cancel := context.WithTimeout(context.Background(), ttl/2)
				err := lease.Refresh(rctx, ttl, nil)
				cancel()
				if err != nil {
					logger.Warn("refresh run lock failed", "key", key, "err", err)
					return
				}
			}
		}
	}()

	return func(ctx context.Context) error {
		close(stop)
		<-done
		if err := lease.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}
