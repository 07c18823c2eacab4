/*
streak.go - Consecutive-day collection bonus

PURPOSE:
  Computes streak continuation from the ledger: if a daily-bonus-class earn
  entry exists for yesterday's local window, the streak continues, otherwise
  it resets to 1. The bonus amount scales linearly with the streak length
  and is granted through the ordinary Grant path under SourceStreakBonus,
  so it hits its own cap category and its own ledger entry. The tracker
  never mutates a balance directly.

ONE ADVANCE PER DAY:
  If the user already has a daily-bonus-class entry for today, the streak
  does not ratchet again and no further bonus is produced, regardless of
  how many times the collection endpoint is hit.
*/
package petals

import (
	"context"

	"github.com/shopspring/decimal"
)

// streakAdvance is the outcome of evaluating a daily-bonus-class grant.
type streakAdvance struct {
	streak         int   // streak value after this collection
	bonus          int64 // petals to grant under SourceStreakBonus
	collectedToday bool  // a qualifying entry already exists today
}

// advanceStreak decides the user's streak for today's collection.
// Reads only; persisting the new streak happens inside the same Apply
// mutation as the collection grant itself.
func (e *Engine) advanceStreak(ctx context.Context, w *Wallet) (streakAdvance, error) {
	now := e.clock.Now()

	todayFrom, todayTo := DayWindow(now, e.loc)
	today, err := e.store.EarnedBySource(ctx, w.UserID, todayFrom, todayTo)
	if err != nil {
		return streakAdvance{}, err
	}
	if e.dailyBonusEarned(today) > 0 {
		return streakAdvance{streak: w.CurrentStreak, collectedToday: true}, nil
	}

	yFrom, yTo := PreviousDayWindow(now, e.loc)
	yesterday, err := e.store.EarnedBySource(ctx, w.UserID, yFrom, yTo)
	if err != nil {
		return streakAdvance{}, err
	}

	streak := 1
	if e.dailyBonusEarned(yesterday) > 0 {
		streak = w.CurrentStreak + 1
	}

	return streakAdvance{streak: streak, bonus: e.streakBonus(streak)}, nil
}

// streakBonus returns floor(streak * bonusRate) petals.
func (e *Engine) streakBonus(streak int) int64 {
	return decimal.NewFromInt(int64(streak)).Mul(e.bonusRate).Floor().IntPart()
}

// dailyBonusEarned sums earn amounts whose source maps to the daily-bonus
// category.
func (e *Engine) dailyBonusEarned(bySource map[Source]int64) int64 {
	var sum int64
	for src, n := range bySource {
		if e.caps.Categorize(src) == CategoryDailyBonus {
			sum += n
		}
	}
	return sum
}
