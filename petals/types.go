/*
Package petals provides the core virtual-currency engine.

PURPOSE:
  This package contains the domain types and services for the petal economy:
  per-user wallets, an append-only ledger of every balance change, daily
  earning caps, consecutive-day streak bonuses, and idempotent grant
  processing. Every feature that credits or spends petals (mini-games,
  praise, achievements, purchases, the daily collection) goes through the
  two entry points Grant and Debit - nothing else is allowed to touch
  balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: One row per user; balance, lifetime earned, current streak
  - Entry: An immutable ledger record (positive = earn, negative = spend)
  - Source: A semantic tag identifying which feature produced an entry
  - GrantResult/DebitResult: Typed outcomes returned to callers

DESIGN PRINCIPLES:
  1. Single write path: balance only changes together with a ledger insert,
     inside one storage transaction (see store.go)
  2. Immutability: ledger entries are never updated or deleted; corrections
     are new offsetting entries
  3. Caps from the ledger: daily caps are recomputed from the ledger itself,
     so enforcement can never drift from what was actually granted
  4. Results, not exceptions: expected business conditions (cap reached,
     insufficient funds) are typed results the caller can render

SEE ALSO:
  - grant.go:  Credit path (idempotency, caps, streak bonus)
  - debit.go:  Spend path
  - caps.go:   Source-to-category mapping and daily ceilings
  - streak.go: Consecutive-day bonus computation
  - store.go:  Persistence contract
*/
package petals

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// Source identifies which feature produced a ledger entry.
// Parameterized sources use a prefix, e.g. "purchase:sku-123" or
// "achievement:first-win".
type Source string

// Well-known sources. Features may introduce new tags freely; anything the
// cap table does not recognize is capped under CategoryOther.
const (
	SourceMiniGame      Source = "mini_game"
	SourceSoapstone     Source = "soapstone_praise"
	SourceDailyBonus    Source = "daily_bonus"
	SourceStreakBonus   Source = "streak_bonus"
	SourcePurchaseBonus Source = "purchase_bonus"
	SourceAdminAdjust   Source = "admin_adjustment"

	SourcePrefixAchievement = "achievement:"
	SourcePrefixPurchase    = "purchase:"
)

// =============================================================================
// WALLET - One row per user
// =============================================================================

// Wallet is the materialized view of a user's ledger.
//
// INVARIANTS:
//   - Balance >= 0 and equals the sum of all ledger entry amounts
//   - LifetimeEarned only increases, and only on credits
//   - Balance changes only via Store.Apply (wallet delta + ledger insert
//     in one storage transaction)
type Wallet struct {
	UserID          UserID
	Balance         int64
	LifetimeEarned  int64
	CurrentStreak   int
	LastCollectedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable record of one balance change
// =============================================================================

// Entry is a single ledger record. Positive Amount is an earn, negative is
// a spend. Once written, an entry is never modified.
type Entry struct {
	ID          EntryID
	UserID      UserID
	Amount      int64
	Source      Source
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// IsEarn reports whether this entry credited petals.
func (e Entry) IsEarn() bool { return e.Amount > 0 }

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// GrantResult is the outcome of a credit operation.
//
// Limited is true when the daily cap clamped the grant (possibly to zero).
// Streak and Bonus are populated only for daily-bonus-class grants.
// Replayed is true when the result was served from the idempotency registry
// instead of being processed again; it is not persisted with the result.
type GrantResult struct {
	Granted        int64 `json:"granted"`
	NewBalance     int64 `json:"new_balance"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	Limited        bool  `json:"limited"`
	Streak         int   `json:"streak,omitempty"`
	Bonus          int64 `json:"bonus,omitempty"`
	Replayed       bool  `json:"-"`
}

// DebitResult is the outcome of a spend operation.
type DebitResult struct {
	NewBalance int64 `json:"new_balance"`
}

// WalletInfo is the read-only view returned to callers.
type WalletInfo struct {
	Balance         int64      `json:"balance"`
	LifetimeEarned  int64      `json:"lifetime_earned"`
	CurrentStreak   int        `json:"current_streak"`
	LastCollectedAt *time.Time `json:"last_collected_at,omitempty"`
}
