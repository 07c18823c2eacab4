package petals_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanami/petal-engine/petals"
	"github.com/hanami/petal-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// manualClock lets tests walk the engine across calendar days.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock { return &manualClock{now: t} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestEngine builds an engine over an in-memory SQLite store with a
// manual clock pinned to mid-day UTC (far from midnight boundaries).
func newTestEngine(t *testing.T, opts petals.Options) (*petals.Engine, *sqlite.Store, *manualClock) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newManualClock(time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC))
	opts.Clock = clock
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	engine := petals.NewEngine(store, opts)
	return engine, store, clock
}

// ledgerSum replays the user's whole ledger; it must always equal the
// materialized balance.
func ledgerSum(t *testing.T, store *sqlite.Store, userID petals.UserID) int64 {
	t.Helper()

	entries, err := store.Entries(context.Background(), userID, 10000)
	require.NoError(t, err)

	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return sum
}

func requireConsistent(t *testing.T, store *sqlite.Store, userID petals.UserID) {
	t.Helper()

	w, err := store.Wallet(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, w.Balance, ledgerSum(t, store, userID),
		"wallet balance must equal the ledger sum")
}
