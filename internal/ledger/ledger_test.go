package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/samandr77/jacaranda/internal/cache"
	"github.com/samandr77/jacaranda/internal/ledger"
)

func newLedger(t *testing.T) (*ledger.Ledger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return ledger.New(cache.New(rdb), ledger.DefaultWindow, ledger.DefaultThreshold), mr
}

func TestNewKey_Normalizes(t *testing.T) {
	t.Parallel()

	require.Equal(t, ledger.NewKey("1.2.3.4", "alice@example.com"), ledger.NewKey("1.2.3.4", "  Alice@Example.COM "))
}

func TestLedger_LocksAtThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newLedger(t)
	key := ledger.NewKey("10.0.0.1", "alice@example.com")

	for i := 1; i < ledger.DefaultThreshold; i++ {
		n, err := l.RecordFailure(ctx, key)
		require.NoError(t, err)
		require.EqualValues(t, i, n)

		locked, _, err := l.IsLocked(ctx, key)
		require.NoError(t, err)
		require.False(t, locked)
	}

	n, err := l.RecordFailure(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, ledger.DefaultThreshold, n)

	locked, remaining, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)
	require.Greater(t, remaining, time.Duration(0))
	require.LessOrEqual(t, remaining, ledger.DefaultWindow)
}

func TestLedger_LockIsScopedToClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newLedger(t)

	for range ledger.DefaultThreshold {
		_, err := l.RecordFailure(ctx, ledger.NewKey("10.0.0.1", "bob"))
		require.NoError(t, err)
	}

	locked, _, err := l.IsLocked(ctx, ledger.NewKey("10.0.0.2", "bob"))
	require.NoError(t, err)
	require.False(t, locked)

	locked, _, err = l.IsLocked(ctx, ledger.NewKey("10.0.0.1", "carol"))
	require.NoError(t, err)
	require.False(t, locked)
}

func TestLedger_LockExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, mr := newLedger(t)
	key := ledger.NewKey("10.0.0.1", "dave")

	for range ledger.DefaultThreshold {
		_, err := l.RecordFailure(ctx, key)
		require.NoError(t, err)
	}

	mr.FastForward(ledger.DefaultWindow + time.Second)

	locked, _, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	require.False(t, locked)

	n, err := l.RecordFailure(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestLedger_ConcurrentFailuresAreNotLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newLedger(t)
	key := ledger.NewKey("10.0.0.9", "eve")

	const workers = 50

	var wg sync.WaitGroup

	wg.Add(workers)

	for range workers {
		go func() {
			defer wg.Done()

			_, err := l.RecordFailure(ctx, key)
			require.NoError(t, err)
		}()
	}

	wg.Wait()

	n, err := l.RecordFailure(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, workers+1, n)

	locked, _, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestLedger_LockOutlivesCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, mr := newLedger(t)
	key := ledger.NewKey("10.0.0.1", "frank")

	_, err := l.RecordFailure(ctx, key)
	require.NoError(t, err)

	require.NoError(t, l.Lock(ctx, key, time.Hour))

	mr.FastForward(ledger.DefaultWindow + time.Minute)

	locked, remaining, err := l.IsLocked(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)
	require.Equal(t, time.Hour-ledger.DefaultWindow-time.Minute, remaining)

	// the counter already expired on its own window
	n, err := l.RecordFailure(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
