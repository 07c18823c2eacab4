package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanami/petal-engine/petals"
	"github.com/hanami/petal-engine/petals/store"
)

func TestMemory_ApplyMatchesSQLSemantics(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	at := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)

	// Missing wallet
	_, err := m.Apply(ctx, petals.Mutation{
		EntryID: "e1", UserID: "ghost", Amount: -1,
		Source: petals.SourcePrefixPurchase + "hat", At: at,
	})
	assert.ErrorIs(t, err, petals.ErrUserNotFound)

	// Earn then guarded debit
	_, err = m.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)

	w, err := m.Apply(ctx, petals.Mutation{
		EntryID: "e2", UserID: "alice", Amount: 30,
		Source: petals.SourceMiniGame, IsEarn: true, At: at,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), w.Balance)
	assert.Equal(t, int64(30), w.LifetimeEarned)

	_, err = m.Apply(ctx, petals.Mutation{
		EntryID: "e3", UserID: "alice", Amount: -31,
		Source: petals.SourcePrefixPurchase + "hat", At: at,
	})
	var ife *petals.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(30), ife.Available)

	entries, err := m.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_ReturnedWalletIsACopy(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	w, err := m.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	w.Balance = 9999

	fresh, err := m.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.Balance)
}

func TestMemory_EarnedBySourceWindow(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	from := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	_, err := m.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	for i, mut := range []petals.Mutation{
		{Amount: 10, Source: petals.SourceMiniGame, IsEarn: true, At: from},
		{Amount: 20, Source: petals.SourceMiniGame, IsEarn: true, At: to.Add(-time.Second)},
		{Amount: 99, Source: petals.SourceMiniGame, IsEarn: true, At: to},
	} {
		mut.EntryID = petals.EntryID(fmt.Sprintf("e-%d", i))
		mut.UserID = "alice"
		_, err := m.Apply(ctx, mut)
		require.NoError(t, err)
	}

	got, err := m.EarnedBySource(ctx, "alice", from, to)
	require.NoError(t, err)
	assert.Equal(t, map[petals.Source]int64{petals.SourceMiniGame: 30}, got)
}

func TestMemory_IdempotencyRegistry(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	first, err := m.ReserveKey(ctx, "k", "grant:mini_game", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, first)

	dup, err := m.ReserveKey(ctx, "k", "grant:mini_game", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, dup)

	_, ok, err := m.FetchResult(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.StoreResult(ctx, "k", []byte(`{}`)))
	payload, ok, err := m.FetchResult(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`{}`), payload)

	require.NoError(t, m.ReleaseKey(ctx, "k"))
	again, err := m.ReserveKey(ctx, "k", "grant:mini_game", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, again)

	// The expired reservation purges and frees the key
	purged, err := m.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
