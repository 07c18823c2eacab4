/*
debit.go - Spend path

PURPOSE:
  Debit spends petals inside one atomic storage transaction: a guarded
  balance decrement plus the negative ledger entry. If the balance is
  short, nothing is written and the caller gets InsufficientFundsError.

NO IDEMPOTENCY KEY:
  Debit deliberately has no idempotency-key path. A spend's side effect
  (the item being bought) lives outside this ledger, so callers that need
  idempotent spends wrap the whole purchase in their own key at the layer
  that owns the item grant.
*/
package petals

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Debit spends petals from a user's wallet.
func (e *Engine) Debit(ctx context.Context, userID UserID, amount int64, source Source, description string) (*DebitResult, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if source == "" {
		return nil, ErrInvalidSource
	}

	// Lazy wallet creation keeps the USER_NOT_FOUND surface to identities
	// that cannot be resolved at all; a fresh wallet simply has no funds.
	if _, err := e.store.GetOrCreateWallet(ctx, userID); err != nil {
		return nil, err
	}

	w, err := e.store.Apply(ctx, Mutation{
		EntryID:     newEntryID(),
		UserID:      userID,
		Amount:      -amount,
		Source:      source,
		Description: description,
		At:          e.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(log.Fields{
		"user":   userID,
		"source": source,
		"amount": amount,
	}).Info("petals spent")

	return &DebitResult{NewBalance: w.Balance}, nil
}
