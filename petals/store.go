/*
store.go - Persistence contract for wallets, ledger, and idempotency

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never issues SQL; it describes one atomic balance change as a Mutation
  and the store executes it, coupling the wallet delta with the ledger
  insert in a single storage transaction.

SINGLE WRITE PATH:
  Apply is the ONLY way a balance changes. There is no UpdateBalance, no
  ledger Insert exposed on its own, and no Update/Delete on ledger rows at
  all. This is what keeps sum(ledger) == wallet.balance an invariant rather
  than a hope.

CONCURRENCY:
  The engine holds no locks. Correctness under concurrent requests rests on
  the store:
  - Apply expresses the balance change as an atomic increment (guarded for
    debits), never read-then-write
  - ReserveKey converts racing duplicates into a deterministic winner/loser
    via a unique-constraint insert

IMPLEMENTATIONS:
  - store/sqlite:    Production SQLite (WAL)
  - store/postgres:  PostgreSQL via pgx pool
  - petals/store:    In-memory, for tests and dev

SEE ALSO:
  - grant.go, debit.go: The two users of Apply
  - store/sqlite/sqlite.go: Reference implementation
*/
package petals

import (
	"context"
	"time"
)

// =============================================================================
// MUTATION - One atomic balance change
// =============================================================================

// Mutation describes a balance change plus its ledger entry. The store must
// execute everything in one transaction:
//
//	INSERT ledger entry (Amount, Source, Description, Metadata, At)
//	UPDATE wallet balance += Amount
//	if IsEarn: lifetime_earned += Amount, last_collected_at = At
//	if SetStreak != nil: current_streak = *SetStreak
//
// For debits (Amount < 0) the balance update is guarded: if it would go
// negative, the whole mutation fails with ErrInsufficientFunds and nothing
// is written.
type Mutation struct {
	EntryID     EntryID
	UserID      UserID
	Amount      int64
	Source      Source
	Description string
	Metadata    map[string]string
	IsEarn      bool
	SetStreak   *int
	At          time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store persists wallets, the ledger, and the idempotency registry.
type Store interface {
	// GetOrCreateWallet returns the wallet, creating it with zero balance on
	// first access. Creation must be race-safe (insert-if-absent).
	GetOrCreateWallet(ctx context.Context, userID UserID) (*Wallet, error)

	// Wallet returns an existing wallet or ErrUserNotFound.
	Wallet(ctx context.Context, userID UserID) (*Wallet, error)

	// Apply executes one atomic balance change and returns the updated
	// wallet. Returns ErrInsufficientFunds (no mutation) if a debit would
	// drive the balance negative, ErrUserNotFound if the wallet is missing.
	Apply(ctx context.Context, m Mutation) (*Wallet, error)

	// Entries returns the user's most recent ledger entries, newest first.
	Entries(ctx context.Context, userID UserID, limit int) ([]Entry, error)

	// EarnedBySource sums positive ledger amounts per source for entries
	// created in [from, to). Used for daily-cap and streak computation.
	EarnedBySource(ctx context.Context, userID UserID, from, to time.Time) (map[Source]int64, error)

	// ReserveKey inserts an idempotency record. Returns true if this caller
	// is the first writer; false if the key already exists.
	ReserveKey(ctx context.Context, key, purpose string, expiresAt time.Time) (bool, error)

	// StoreResult attaches the serialized operation result to a previously
	// reserved key.
	StoreResult(ctx context.Context, key string, response []byte) error

	// FetchResult returns the stored result for a key. ok is false when the
	// key is unknown or the result has not been stored yet.
	FetchResult(ctx context.Context, key string) (response []byte, ok bool, err error)

	// ReleaseKey removes a reservation that will never be fulfilled, so a
	// retry of a failed operation reprocesses instead of waiting out the
	// TTL. Releasing an unknown key is a no-op.
	ReleaseKey(ctx context.Context, key string) error

	// PurgeExpired deletes idempotency records whose TTL passed before now.
	// Returns the number of rows removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
