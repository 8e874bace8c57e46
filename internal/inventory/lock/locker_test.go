package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/testutil"
)

func runLockerContract(t *testing.T, l lock.Locker) {
	ctx := context.Background()

	t.Run("AcquireIsExclusive", func(t *testing.T) {
		key := lock.OpnameKey("s1", "prod-excl")

		token, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		_, err = l.Acquire(ctx, key, time.Minute)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrOpnameLocked), "got %v", err)
		assert.True(t, errors.IsRetryable(err))

		var appErr *errors.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "prod-excl", appErr.Details["product_id"])

		require.NoError(t, l.Release(ctx, key, token))
	})

	t.Run("HolderReportsToken", func(t *testing.T) {
		key := lock.OpnameKey("s1", "prod-holder")

		_, held, err := l.Holder(ctx, key)
		require.NoError(t, err)
		assert.False(t, held)

		token, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)

		holder, held, err := l.Holder(ctx, key)
		require.NoError(t, err)
		assert.True(t, held)
		assert.Equal(t, token, holder)

		require.NoError(t, l.Release(ctx, key, token))
		_, held, err = l.Holder(ctx, key)
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("ReleaseWithForeignTokenKeepsLock", func(t *testing.T) {
		key := lock.OpnameKey("s1", "prod-foreign")

		token, err := l.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)

		require.NoError(t, l.Release(ctx, key, "not-the-token"))
		_, held, err := l.Holder(ctx, key)
		require.NoError(t, err)
		assert.True(t, held)

		require.NoError(t, l.Release(ctx, key, token))
		// releasing twice is harmless
		require.NoError(t, l.Release(ctx, key, token))
	})

	t.Run("KeysAreScoped", func(t *testing.T) {
		a, err := l.Acquire(ctx, lock.OpnameKey("s1", "prod-scope"), time.Minute)
		require.NoError(t, err)
		b, err := l.Acquire(ctx, lock.OpnameKey("s2", "prod-scope"), time.Minute)
		require.NoError(t, err)

		require.NoError(t, l.Release(ctx, lock.OpnameKey("s1", "prod-scope"), a))
		require.NoError(t, l.Release(ctx, lock.OpnameKey("s2", "prod-scope"), b))
	})
}

func TestMemoryLocker(t *testing.T) {
	runLockerContract(t, lock.NewMemoryLocker())
}

func TestMemoryLocker_Expires(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixtureDate
	l := lock.NewMemoryLocker().WithClock(func() time.Time { return clock })
	key := lock.OpnameKey("s1", "prod-1")

	_, err := l.Acquire(ctx, key, time.Hour)
	require.NoError(t, err)

	clock = clock.Add(59 * time.Minute)
	_, held, err := l.Holder(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	clock = clock.Add(time.Minute)
	_, held, err = l.Holder(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)

	_, err = l.Acquire(ctx, key, time.Hour)
	assert.NoError(t, err)
}

func TestRedisLocker(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := testutil.DefaultTestContext(t)

	container, err := testutil.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(context.Background()) })

	rdb := redis.NewClient(&redis.Options{Addr: container.Addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	runLockerContract(t, lock.NewRedisLocker(rdb))
}
