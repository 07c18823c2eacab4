package petals_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanami/petal-engine/petals"
)

func TestDebit_RejectsInvalidInput(t *testing.T) {
	engine, _, _ := newTestEngine(t, petals.Options{})
	ctx := context.Background()

	_, err := engine.Debit(ctx, "alice", 0, petals.SourcePrefixPurchase+"hat", "")
	assert.ErrorIs(t, err, petals.ErrInvalidAmount)

	_, err = engine.Debit(ctx, "alice", -10, petals.SourcePrefixPurchase+"hat", "")
	assert.ErrorIs(t, err, petals.ErrInvalidAmount)

	_, err = engine.Debit(ctx, "alice", 10, "", "")
	assert.ErrorIs(t, err, petals.ErrInvalidSource)

	_, err = engine.Debit(ctx, "", 10, petals.SourcePrefixPurchase+"hat", "")
	assert.ErrorIs(t, err, petals.ErrUserNotFound)
}

func TestDebit_AppendsNegativeEntry(t *testing.T) {
	engine, store, _ := newTestEngine(t, petals.Options{})
	ctx := context.Background()

	// GIVEN a funded wallet
	_, err := engine.Grant(ctx, "alice", 200, petals.SourceMiniGame, nil, "", "")
	require.NoError(t, err)

	// WHEN spending
	res, err := engine.Debit(ctx, "alice", 75, petals.SourcePrefixPurchase+"hat",
		"Flower hat")
	require.NoError(t, err)
	assert.Equal(t, int64(125), res.NewBalance)

	// THEN the spend is a negative ledger entry and lifetime earned is
	// untouched
	entries, err := store.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-75), entries[0].Amount)
	assert.False(t, entries[0].IsEarn())
	assert.Equal(t, "Flower hat", entries[0].Description)

	info, err := engine.WalletInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(200), info.LifetimeEarned)

	requireConsistent(t, store, "alice")
}

func TestDebit_InsufficientFundsLeavesNoTrace(t *testing.T) {
	engine, store, _ := newTestEngine(t, petals.Options{})
	ctx := context.Background()

	// GIVEN a wallet with 50 petals
	_, err := engine.Grant(ctx, "alice", 50, petals.SourceMiniGame, nil, "", "")
	require.NoError(t, err)

	// WHEN overspending
	_, err = engine.Debit(ctx, "alice", 51, petals.SourcePrefixPurchase+"hat", "")
	require.ErrorIs(t, err, petals.ErrInsufficientFunds)

	var ife *petals.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, petals.UserID("alice"), ife.UserID)
	assert.Equal(t, int64(50), ife.Available)
	assert.Equal(t, int64(51), ife.Requested)

	// THEN neither the wallet nor the ledger changed
	info, err := engine.WalletInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), info.Balance)

	entries, err := store.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	requireConsistent(t, store, "alice")
}

func TestDebit_ExactBalanceSpendsToZero(t *testing.T) {
	engine, store, _ := newTestEngine(t, petals.Options{})
	ctx := context.Background()

	_, err := engine.Grant(ctx, "alice", 50, petals.SourceMiniGame, nil, "", "")
	require.NoError(t, err)

	// Spending to exactly zero is allowed
	res, err := engine.Debit(ctx, "alice", 50, petals.SourcePrefixPurchase+"hat", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)

	requireConsistent(t, store, "alice")
}

func TestDebit_FreshWalletHasNoFunds(t *testing.T) {
	engine, _, _ := newTestEngine(t, petals.Options{})
	ctx := context.Background()

	// A user with no history gets a wallet, not USER_NOT_FOUND, and the
	// debit fails on funds
	_, err := engine.Debit(ctx, "newcomer", 10, petals.SourcePrefixPurchase+"hat", "")
	require.ErrorIs(t, err, petals.ErrInsufficientFunds)

	info, err := engine.WalletInfo(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Balance)
}
