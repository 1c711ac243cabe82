//go:build integration

package locks_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishauctions/settlement/pkg/locks"
	"github.com/fishauctions/settlement/pkg/testhelpers"
)

func TestRedisLocker_MutualExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testhelpers.NewTestRedis(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Two lockers simulate two service instances.
	lockerA := locks.NewRedisLocker(client, logger, locks.WithLockRetry(5*time.Millisecond, 2000))
	lockerB := locks.NewRedisLocker(client, logger, locks.WithLockRetry(5*time.Millisecond, 2000))

	ctx := context.Background()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		locker := lockerA
		if i%2 == 1 {
			locker = lockerB
		}
		wg.Add(1)
		go func(l *locks.RedisLocker) {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "lot:shared")
			require.NoError(t, err)
			defer unlock()

			// Non-atomic read-modify-write guarded only by the lock.
			v := counter
			time.Sleep(2 * time.Millisecond)
			counter = v + 1
		}(locker)
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
}

func TestRedisLocker_ContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testhelpers.NewTestRedis(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker := locks.NewRedisLocker(client, logger)

	unlock, err := locker.Lock(context.Background(), "lot:busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, "lot:busy")
	assert.Error(t, err)
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testhelpers.NewTestRedis(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	holder := locks.NewRedisLocker(client, logger, locks.WithLockExpiry(300*time.Millisecond))
	other := locks.NewRedisLocker(client, logger,
		locks.WithLockExpiry(300*time.Millisecond),
		locks.WithLockRetry(10*time.Millisecond, 10),
	)
	ctx := context.Background()

	// Arrange
	unlock, err := holder.Lock(ctx, "auction:slow")
	require.NoError(t, err)

	// Act: hold well past the expiry
	time.Sleep(time.Second)

	// Assert
	_, err = other.Lock(ctx, "auction:slow")
	require.Error(t, err, "a renewed lock is still held")

	unlock()
	unlock() // releasing twice is a no-op
	unlockOther, err := other.Lock(ctx, "auction:slow")
	require.NoError(t, err)
	unlockOther()
}
