package petals

import "time"

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock supplies "now" to the engine. Daily windows and streak boundaries
// are computed from it, so tests can drive time across calendar days.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

// =============================================================================
// DAY WINDOWS - Local-midnight boundaries
// =============================================================================

// DayWindow returns [local midnight, next local midnight) containing t in
// the given location. All daily-cap and streak computations use these
// half-open windows.
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// PreviousDayWindow returns the window for the calendar day before t.
// AddDate handles DST transitions where a day is not 24 hours.
func PreviousDayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	start, _ := DayWindow(t, loc)
	return start.AddDate(0, 0, -1), start
}

// SameLocalDay reports whether a and b fall on the same calendar day in loc.
func SameLocalDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
