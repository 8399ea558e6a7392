package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerialisesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "applicant:1")
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive)
	require.Empty(t, locker.locks)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locker.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()
}

func TestRedisLockerExcludesAndReleases(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, "test:lock:", time.Second, zerolog.Nop())
	unlock, err := locker.Lock(context.Background(), "applicant:7")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:lock:applicant:7"))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "applicant:7")
	require.True(t, errors.Is(err, ErrLockNotAcquired))

	unlock()
	require.False(t, mr.Exists("test:lock:applicant:7"))

	again, err := locker.Lock(context.Background(), "applicant:7")
	require.NoError(t, err)
	again()
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, "", time.Second, zerolog.Nop())
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Simulate expiry followed by another holder.
	require.NoError(t, mr.Set("vetting:lock:k", "someone-else"))
	unlock()

	value, err := mr.Get("vetting:lock:k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestRedisLockerRenewsHeldLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ttl := 150 * time.Millisecond
	locker := NewRedisLocker(client, "test:lock:", ttl, zerolog.Nop())
	unlock, err := locker.Lock(context.Background(), "session:s1")
	require.NoError(t, err)

	mr.SetTTL("test:lock:session:s1", 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("test:lock:session:s1") == ttl
	}, time.Second, 10*time.Millisecond)

	unlock()
	require.False(t, mr.Exists("test:lock:session:s1"))
	unlock()
}
