/*
grant.go - Credit path

PURPOSE:
  Grant is the single entry point for crediting petals. It enforces
  idempotency, clamps against the daily cap for the source's category,
  folds in the streak bonus for daily-bonus-class sources, and commits the
  ledger entry and wallet delta as one atomic mutation.

IDEMPOTENCY:
  When a key is supplied, the request reserves it FIRST (unique-constraint
  insert). The loser of a racing duplicate polls for the winner's stored
  result and returns it verbatim - exactly one of the two reaches the
  ledger. A reservation whose processing fails is released so the caller's
  retry reprocesses instead of waiting out the TTL.

CAP CLAMPING:
  Cap exhaustion is not an error. A clamped grant returns Limited=true and
  whatever headroom remained (possibly zero); the zero-grant outcome is
  still recorded against the idempotency key so retries replay "capped"
  instead of reprocessing on a later day.

SEE ALSO:
  - streak.go: Bonus computation for daily-bonus-class sources
  - caps.go:   Category mapping and ceilings
*/
package petals

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func newEntryID() EntryID { return EntryID(uuid.NewString()) }

// =============================================================================
// GRANT
// =============================================================================

// Grant credits petals to a user.
//
// metadata and description are recorded on the ledger entry. idempotencyKey
// is optional; without it a network retry will double-grant.
func (e *Engine) Grant(ctx context.Context, userID UserID, amount int64, source Source, metadata map[string]string, description, idempotencyKey string) (*GrantResult, error) {
	// Validation happens before the reservation so rejected requests leave
	// no side effects at all, idempotency record included.
	if userID == "" {
		return nil, ErrUserNotFound
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if source == "" {
		return nil, ErrInvalidSource
	}

	if idempotencyKey != "" {
		first, err := e.store.ReserveKey(ctx, idempotencyKey, "grant:"+string(source), e.clock.Now().Add(e.keyTTL))
		if err != nil {
			return nil, err
		}
		if !first {
			return e.replayResult(ctx, idempotencyKey)
		}
	}

	res, err := e.processGrant(ctx, userID, amount, source, metadata, description)
	if err != nil {
		if idempotencyKey != "" {
			// Unfulfillable reservation; let the retry reprocess.
			if relErr := e.store.ReleaseKey(ctx, idempotencyKey); relErr != nil {
				e.log.WithError(relErr).WithField("key", idempotencyKey).
					Warn("failed to release idempotency key")
			}
		}
		return nil, err
	}

	if idempotencyKey != "" {
		payload, merr := json.Marshal(res)
		if merr != nil {
			return nil, merr
		}
		if serr := e.store.StoreResult(ctx, idempotencyKey, payload); serr != nil {
			e.log.WithError(serr).WithField("key", idempotencyKey).
				Warn("failed to store idempotency result")
		}
	}

	e.log.WithFields(log.Fields{
		"user":    userID,
		"source":  source,
		"granted": res.Granted,
		"limited": res.Limited,
	}).Info("petals granted")

	return res, nil
}

// processGrant runs the cap/streak/mutation steps. Factored out so the
// streak bonus can reuse it without touching the idempotency registry (the
// caller's key covers the whole collection, bonus included).
func (e *Engine) processGrant(ctx context.Context, userID UserID, amount int64, source Source, metadata map[string]string, description string) (*GrantResult, error) {
	w, err := e.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	category := e.caps.Categorize(source)

	// Daily-bonus-class sources evaluate the streak before the grant so the
	// new streak value can ride the same atomic mutation.
	var adv *streakAdvance
	if category == CategoryDailyBonus {
		a, err := e.advanceStreak(ctx, w)
		if err != nil {
			return nil, err
		}
		adv = &a
	}

	earned, err := e.earnedTodayByCategory(ctx, userID)
	if err != nil {
		return nil, err
	}
	remaining := e.caps.Ceiling(category) - earned[category]
	if remaining < 0 {
		remaining = 0
	}

	res := &GrantResult{}
	granted := amount
	if granted > remaining {
		granted = remaining
		res.Limited = true
	}

	if granted == 0 {
		// Cap already exhausted: no mutation, no streak ratchet.
		res.NewBalance = w.Balance
		res.LifetimeEarned = w.LifetimeEarned
		if adv != nil {
			res.Streak = w.CurrentStreak
		}
		return res, nil
	}

	m := Mutation{
		EntryID:     newEntryID(),
		UserID:      userID,
		Amount:      granted,
		Source:      source,
		Description: description,
		Metadata:    metadata,
		IsEarn:      true,
		At:          e.clock.Now(),
	}
	if adv != nil && !adv.collectedToday {
		streak := adv.streak
		m.SetStreak = &streak
	}

	updated, err := e.store.Apply(ctx, m)
	if err != nil {
		return nil, err
	}

	res.Granted = granted
	res.NewBalance = updated.Balance
	res.LifetimeEarned = updated.LifetimeEarned

	if adv != nil {
		res.Streak = updated.CurrentStreak
		if !adv.collectedToday && adv.bonus > 0 {
			bonus, err := e.processGrant(ctx, userID, adv.bonus, SourceStreakBonus,
				map[string]string{"streak": strconv.Itoa(adv.streak)},
				"Streak day "+strconv.Itoa(adv.streak)+" bonus")
			if err != nil {
				return nil, err
			}
			// The bonus is its own ledger entry under its own cap; only the
			// resulting balance folds back into the collection result.
			res.Bonus = bonus.Granted
			res.NewBalance = bonus.NewBalance
			res.LifetimeEarned = bonus.LifetimeEarned
		}
	}

	return res, nil
}

// replayResult serves a duplicate request from the idempotency registry.
// The winner may still be in flight, so poll briefly for its stored result.
func (e *Engine) replayResult(ctx context.Context, key string) (*GrantResult, error) {
	for attempt := 0; attempt < e.replayAttempts; attempt++ {
		payload, ok, err := e.store.FetchResult(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			var res GrantResult
			if err := json.Unmarshal(payload, &res); err != nil {
				return nil, err
			}
			res.Replayed = true
			e.log.WithField("key", key).Info("idempotent replay")
			return &res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.replayInterval):
		}
	}
	return nil, ErrRequestInFlight
}
