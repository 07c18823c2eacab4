/*
caps.go - Daily earning caps

PURPOSE:
  Limits how many petals a user can earn per local calendar day, per
  source category. Enforcement is retroactive: "already earned today" is
  summed from the ledger itself rather than a separate counter, so the cap
  can never drift out of sync with actual grants, and a manual offsetting
  ledger entry automatically adjusts the remaining headroom.

MAPPING:
  Every source tag resolves to exactly one category. Exact matches win,
  then prefix matches (achievement:*, purchase:*), then CategoryOther.
  The mapping and the per-category ceilings live in one CapTable shared by
  the grant path and the caps display endpoint - there is deliberately no
  second copy anywhere to go stale.

SEE ALSO:
  - grant.go:         Clamps grants against remaining headroom
  - config/config.go: TOML overrides for ceilings
*/
package petals

import "strings"

// =============================================================================
// CATEGORIES
// =============================================================================

// Category groups sources for daily-cap purposes.
type Category string

const (
	CategoryGame          Category = "game"
	CategoryAchievement   Category = "achievement"
	CategoryDailyBonus    Category = "daily_bonus"
	CategoryPurchaseBonus Category = "purchase_bonus"
	CategoryOther         Category = "other"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{
		CategoryGame,
		CategoryAchievement,
		CategoryDailyBonus,
		CategoryPurchaseBonus,
		CategoryOther,
	}
}

// =============================================================================
// CAP TABLE
// =============================================================================

// CapTable holds the source-to-category mapping and the per-category daily
// ceilings. It is read-only after construction and safely shared across
// concurrent callers.
type CapTable struct {
	ceilings map[Category]int64
	sources  map[Source]Category
	prefixes map[string]Category
}

// DefaultCapTable returns the stock mapping and ceilings.
func DefaultCapTable() *CapTable {
	return &CapTable{
		ceilings: map[Category]int64{
			CategoryGame:          2000,
			CategoryAchievement:   1000,
			CategoryDailyBonus:    500,
			CategoryPurchaseBonus: 5000,
			CategoryOther:         1000,
		},
		sources: map[Source]Category{
			SourceMiniGame:      CategoryGame,
			SourceSoapstone:     CategoryOther,
			SourceDailyBonus:    CategoryDailyBonus,
			SourceStreakBonus:   CategoryOther,
			SourcePurchaseBonus: CategoryPurchaseBonus,
			SourceAdminAdjust:   CategoryOther,
		},
		prefixes: map[string]Category{
			SourcePrefixAchievement: CategoryAchievement,
			SourcePrefixPurchase:    CategoryPurchaseBonus,
		},
	}
}

// NewCapTable builds a table from explicit mappings. Nil maps fall back to
// the defaults for that piece, so config can override just the ceilings.
func NewCapTable(ceilings map[Category]int64, sources map[Source]Category, prefixes map[string]Category) *CapTable {
	def := DefaultCapTable()
	t := &CapTable{
		ceilings: def.ceilings,
		sources:  def.sources,
		prefixes: def.prefixes,
	}
	if ceilings != nil {
		t.ceilings = ceilings
	}
	if sources != nil {
		t.sources = sources
	}
	if prefixes != nil {
		t.prefixes = prefixes
	}
	return t
}

// Categorize resolves a source tag to its cap category. Unmapped sources
// fall into CategoryOther.
func (t *CapTable) Categorize(src Source) Category {
	if cat, ok := t.sources[src]; ok {
		return cat
	}
	for prefix, cat := range t.prefixes {
		if strings.HasPrefix(string(src), prefix) {
			return cat
		}
	}
	return CategoryOther
}

// Ceiling returns the daily ceiling for a category. Unknown categories get
// the CategoryOther ceiling.
func (t *CapTable) Ceiling(cat Category) int64 {
	if c, ok := t.ceilings[cat]; ok {
		return c
	}
	return t.ceilings[CategoryOther]
}

// Ceilings returns a copy of the per-category ceilings, for display.
func (t *CapTable) Ceilings() map[Category]int64 {
	out := make(map[Category]int64, len(t.ceilings))
	for cat, c := range t.ceilings {
		out[cat] = c
	}
	return out
}

// earnedByCategory folds per-source earn sums into per-category totals.
func (t *CapTable) earnedByCategory(bySource map[Source]int64) map[Category]int64 {
	out := make(map[Category]int64)
	for src, sum := range bySource {
		out[t.Categorize(src)] += sum
	}
	return out
}
