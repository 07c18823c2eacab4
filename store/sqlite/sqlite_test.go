package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanami/petal-engine/petals"
	"github.com/hanami/petal-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func earn(userID petals.UserID, amount int64, source petals.Source, at time.Time) petals.Mutation {
	return petals.Mutation{
		EntryID: petals.EntryID(fmt.Sprintf("e-%s-%d-%d", userID, amount, at.UnixNano())),
		UserID:  userID,
		Amount:  amount,
		Source:  source,
		IsEarn:  true,
		At:      at,
	}
}

// =============================================================================
// WALLETS
// =============================================================================

func TestGetOrCreateWallet_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w1, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, petals.UserID("alice"), w1.UserID)
	assert.Equal(t, int64(0), w1.Balance)

	w2, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, w1.CreatedAt, w2.CreatedAt)
}

func TestWallet_MissingUser(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Wallet(context.Background(), "ghost")
	assert.ErrorIs(t, err, petals.ErrUserNotFound)
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_EarnUpdatesWalletAndLedgerTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)

	m := earn("alice", 40, petals.SourceMiniGame, at)
	m.Description = "Round clear"
	m.Metadata = map[string]string{"round": "7"}

	w, err := store.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.Balance)
	assert.Equal(t, int64(40), w.LifetimeEarned)
	require.NotNil(t, w.LastCollectedAt)
	assert.True(t, w.LastCollectedAt.Equal(at))

	entries, err := store.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, m.EntryID, entries[0].ID)
	assert.Equal(t, "7", entries[0].Metadata["round"])
	assert.True(t, entries[0].CreatedAt.Equal(at))
}

func TestApply_DebitGuardRejectsOverdraft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Now()

	_, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = store.Apply(ctx, earn("alice", 30, petals.SourceMiniGame, at))
	require.NoError(t, err)

	// WHEN debiting more than the balance
	_, err = store.Apply(ctx, petals.Mutation{
		EntryID: "spend-1",
		UserID:  "alice",
		Amount:  -31,
		Source:  petals.SourcePrefixPurchase + "hat",
		At:      at,
	})

	// THEN the typed error carries the shortfall and nothing was written
	var ife *petals.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(30), ife.Available)
	assert.Equal(t, int64(31), ife.Requested)

	w, err := store.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(30), w.Balance)

	entries, err := store.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApply_MissingWallet(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Apply(context.Background(), petals.Mutation{
		EntryID: "spend-1",
		UserID:  "ghost",
		Amount:  -5,
		Source:  petals.SourcePrefixPurchase + "hat",
		At:      time.Now(),
	})
	assert.ErrorIs(t, err, petals.ErrUserNotFound)
}

func TestApply_SetStreakRidesTheSameMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)

	streak := 4
	m := earn("alice", 100, petals.SourceDailyBonus, time.Now())
	m.SetStreak = &streak

	w, err := store.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 4, w.CurrentStreak)
}

func TestApply_DebitDoesNotTouchLifetimeEarned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Now()

	_, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = store.Apply(ctx, earn("alice", 100, petals.SourceMiniGame, at))
	require.NoError(t, err)

	w, err := store.Apply(ctx, petals.Mutation{
		EntryID: "spend-1",
		UserID:  "alice",
		Amount:  -60,
		Source:  petals.SourcePrefixPurchase + "hat",
		At:      at,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.Balance)
	assert.Equal(t, int64(100), w.LifetimeEarned)
}

// =============================================================================
// LEDGER READS
// =============================================================================

func TestEntries_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.Apply(ctx, earn("alice", int64(i+1), petals.SourceMiniGame,
			base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	entries, err := store.Entries(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(5), entries[0].Amount)
	assert.Equal(t, int64(4), entries[1].Amount)
	assert.Equal(t, int64(3), entries[2].Amount)
}

func TestEarnedBySource_HalfOpenWindowExcludesSpends(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	from := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	_, err := store.GetOrCreateWallet(ctx, "alice")
	require.NoError(t, err)

	// Inside the window: two game earns, one achievement earn, one spend.
	// On the boundaries: the lower bound is inclusive, the upper exclusive.
	_, err = store.Apply(ctx, earn("alice", 10, petals.SourceMiniGame, from))
	require.NoError(t, err)
	_, err = store.Apply(ctx, earn("alice", 15, petals.SourceMiniGame, from.Add(6*time.Hour)))
	require.NoError(t, err)
	_, err = store.Apply(ctx, earn("alice", 30, "achievement:first-win", from.Add(7*time.Hour)))
	require.NoError(t, err)
	_, err = store.Apply(ctx, petals.Mutation{
		EntryID: "spend-1", UserID: "alice", Amount: -5,
		Source: petals.SourcePrefixPurchase + "hat", At: from.Add(8 * time.Hour),
	})
	require.NoError(t, err)
	_, err = store.Apply(ctx, earn("alice", 99, petals.SourceMiniGame, to))
	require.NoError(t, err)
	_, err = store.Apply(ctx, earn("alice", 7, petals.SourceMiniGame, from.Add(-time.Nanosecond)))
	require.NoError(t, err)

	got, err := store.EarnedBySource(ctx, "alice", from, to)
	require.NoError(t, err)
	assert.Equal(t, map[petals.Source]int64{
		petals.SourceMiniGame:   25,
		"achievement:first-win": 30,
	}, got)
}

// =============================================================================
// IDEMPOTENCY REGISTRY
// =============================================================================

func TestReserveKey_FirstWinsDuplicateLoses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	first, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", expiry)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", expiry)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestFetchResult_UnfulfilledThenStored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", time.Now().Add(time.Hour))
	require.NoError(t, err)

	// A reserved but unfulfilled key yields no result yet
	_, ok, err := store.FetchResult(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.StoreResult(ctx, "key-1", []byte(`{"granted":10}`)))

	payload, ok, err := store.FetchResult(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"granted":10}`, string(payload))
}

func TestReserveKey_ExpiredKeyIsReusable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a key whose TTL already passed but was never purged
	first, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, first)

	// THEN a new request reserves it afresh
	again, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, again)
}

func TestReleaseKey_AllowsReprocessing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	first, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", expiry)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, store.ReleaseKey(ctx, "key-1"))

	again, err := store.ReserveKey(ctx, "key-1", "grant:mini_game", expiry)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestPurgeExpired_RemovesOnlyExpiredKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, ttl := range []time.Duration{-2 * time.Hour, -time.Minute, time.Hour} {
		_, err := store.ReserveKey(ctx, fmt.Sprintf("key-%d", i), "grant:mini_game", now.Add(ttl))
		require.NoError(t, err)
	}

	purged, err := store.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	// The live key still blocks duplicates
	dup, err := store.ReserveKey(ctx, "key-2", "grant:mini_game", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, dup)
}
