/*
engine.go - Engine construction and read-side operations

PURPOSE:
  The Engine composes the store, the cap table, the clock, and the streak
  bonus configuration behind the three public operations every feature is
  allowed to call: Grant, Debit, and WalletInfo (plus the History and
  RemainingToday read views).

SEE ALSO:
  - grant.go: Credit path
  - debit.go: Spend path
*/
package petals

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the petal economy service. Safe for concurrent use; all
// cross-request coordination lives in the Store.
type Engine struct {
	store     Store
	caps      *CapTable
	clock     Clock
	loc       *time.Location
	bonusRate decimal.Decimal
	keyTTL    time.Duration
	log       *log.Entry

	// Poll budget for reading a racing duplicate's stored result.
	replayInterval time.Duration
	replayAttempts int
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Caps      *CapTable
	Clock     Clock
	Location  *time.Location  // timezone for "today"; defaults to time.Local
	BonusRate decimal.Decimal // petals per streak day; defaults to 5
	KeyTTL    time.Duration   // idempotency record TTL; defaults to 24h
	Logger    *log.Logger
}

// NewEngine creates an engine on top of a store.
func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		store:          store,
		caps:           opts.Caps,
		clock:          opts.Clock,
		loc:            opts.Location,
		bonusRate:      opts.BonusRate,
		keyTTL:         opts.KeyTTL,
		replayInterval: 20 * time.Millisecond,
		replayAttempts: 50,
	}
	if e.caps == nil {
		e.caps = DefaultCapTable()
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.bonusRate.IsZero() {
		e.bonusRate = decimal.NewFromInt(5)
	}
	if e.keyTTL == 0 {
		e.keyTTL = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.log = logger.WithField("component", "petals")
	return e
}

// Caps returns the engine's cap table (read-only configuration).
func (e *Engine) Caps() *CapTable { return e.caps }

// =============================================================================
// READ OPERATIONS
// =============================================================================

// WalletInfo returns the user's wallet view, lazily creating the wallet on
// first access.
func (e *Engine) WalletInfo(ctx context.Context, userID UserID) (*WalletInfo, error) {
	w, err := e.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &WalletInfo{
		Balance:         w.Balance,
		LifetimeEarned:  w.LifetimeEarned,
		CurrentStreak:   w.CurrentStreak,
		LastCollectedAt: w.LastCollectedAt,
	}, nil
}

// History returns the user's most recent ledger entries, newest first.
func (e *Engine) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.Entries(ctx, userID, limit)
}

// RemainingToday returns, per category, how many petals the user can still
// earn today. Each entry is checked against its own mapped category.
func (e *Engine) RemainingToday(ctx context.Context, userID UserID) (map[Category]int64, error) {
	earned, err := e.earnedTodayByCategory(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[Category]int64, len(Categories()))
	for _, cat := range Categories() {
		remaining := e.caps.Ceiling(cat) - earned[cat]
		if remaining < 0 {
			remaining = 0
		}
		out[cat] = remaining
	}
	return out, nil
}

// earnedTodayByCategory aggregates today's earn entries from the ledger and
// folds them through the source-to-category mapping.
func (e *Engine) earnedTodayByCategory(ctx context.Context, userID UserID) (map[Category]int64, error) {
	from, to := DayWindow(e.clock.Now(), e.loc)
	bySource, err := e.store.EarnedBySource(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	return e.caps.earnedByCategory(bySource), nil
}

// PurgeExpiredKeys removes idempotency records past their TTL. Called by the
// cron job and the admin endpoint.
func (e *Engine) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	n, err := e.store.PurgeExpired(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.WithField("purged", n).Info("expired idempotency keys removed")
	}
	return n, nil
}
