package locks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements per-key locks with redsync. A held lock is extended
// every third of its expiry until released, so slow holders keep it.
type RedisLocker struct {
	rs      *redsync.Redsync
	options redisLockerOptions
	logger  *slog.Logger
}

type redisLockerOptions struct {
	prefix     string
	expiry     time.Duration
	retryDelay time.Duration
	tries      int
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*redisLockerOptions)

// WithLockExpiry sets how long a held lock survives without being released.
func WithLockExpiry(d time.Duration) RedisLockerOption {
	return func(o *redisLockerOptions) {
		o.expiry = d
	}
}

// WithLockRetry sets the acquisition retry delay and attempt budget.
func WithLockRetry(delay time.Duration, tries int) RedisLockerOption {
	return func(o *redisLockerOptions) {
		o.retryDelay = delay
		o.tries = tries
	}
}

// WithLockPrefix namespaces keys in Redis.
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(o *redisLockerOptions) {
		o.prefix = prefix
	}
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client *redis.Client, logger *slog.Logger, opts ...RedisLockerOption) *RedisLocker {
	options := redisLockerOptions{
		prefix:     "settlement:lock:",
		expiry:     10 * time.Second,
		retryDelay: 25 * time.Millisecond,
		tries:      400,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &RedisLocker{
		rs:      redsync.New(goredis.NewPool(client)),
		options: options,
		logger:  logger,
	}
}

// Lock acquires key, retrying until the attempt budget runs out or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(
		l.options.prefix+key,
		redsync.WithExpiry(l.options.expiry),
		redsync.WithTries(l.options.tries),
		redsync.WithRetryDelay(l.options.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.autoRenew(renewCtx, mutex, key)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			wg.Wait()
			ok, err := mutex.UnlockContext(context.Background())
			if err != nil || !ok {
				// The lock expired while held; the next holder may already be in.
				l.logger.Error("Failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) autoRenew(ctx context.Context, mutex *redsync.Mutex, key string) {
	interval := l.options.expiry / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := mutex.ExtendContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				l.logger.Error("Lost lock while held", "key", key, "until", mutex.Until(), "error", err, "alert", true)
				return
			}
		}
	}
}
