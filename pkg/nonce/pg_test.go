package nonce

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/pgutil"
)

type fixedPending uint64

func (f fixedPending) PendingNonce(context.Context, int64, common.Address) (uint64, error) {
	return uint64(f), nil
}

func setupManager(t *testing.T, pending uint64) (context.Context, *pgStore, *Manager) {
	t.Helper()
	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	require.NoError(t, CreateSchema(ctx, db))

	store := NewStore(db)
	return ctx, store, NewManager(store, fixedPending(pending), zap.NewNop())
}

var treasury = common.HexToAddress("0x00000000000000000000000000000000000000ff")

func TestManager_SequentialNonces(t *testing.T) {
	ctx, _, m := setupManager(t, 7)

	for want := uint64(7); want < 10; want++ {
		got, err := m.Next(ctx, 1, treasury)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestManager_ConcurrentNoncesAreDistinct(t *testing.T) {
	ctx, _, m := setupManager(t, 0)

	const workers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.Next(ctx, 1, treasury)
			require.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers)
	for i := uint64(0); i < workers; i++ {
		require.True(t, seen[i], "missing nonce %d", i)
	}
}

func TestStore_ChainAheadWins(t *testing.T) {
	ctx, s, _ := setupManager(t, 0)

	n, err := s.Next(ctx, 1, treasury.Hex(), 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	n, err = s.Next(ctx, 1, treasury.Hex(), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), n)

	n, err = s.Next(ctx, 2, treasury.Hex(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

func TestStore_ReleaseOnlyLatest(t *testing.T) {
	ctx, s, m := setupManager(t, 5)

	first, err := m.Next(ctx, 1, treasury)
	require.NoError(t, err)
	second, err := m.Next(ctx, 1, treasury)
	require.NoError(t, err)

	released, err := s.Release(ctx, 1, treasury.Hex(), first)
	require.NoError(t, err)
	require.False(t, released)

	released, err = s.Release(ctx, 1, treasury.Hex(), second)
	require.NoError(t, err)
	require.True(t, released)

	again, err := m.Next(ctx, 1, treasury)
	require.NoError(t, err)
	require.Equal(t, second, again)
}
