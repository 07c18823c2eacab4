/*
Package config loads runtime configuration.

PURPOSE:
  Environment variables (PETALS_*) configure the server and engine; an
  optional TOML file overrides the daily cap table. Flags in
  cmd/server/main.go can override the path-ish settings on top.

  The cap table is loaded ONCE here and handed to both the grant path and
  the caps display endpoint, so enforcement and display can never drift.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/hanami/petal-engine/petals"
)

// Config holds all runtime settings.
type Config struct {
	// --- Server ---
	Addr string `envconfig:"PETALS_ADDR" default:":8080"`

	// --- Storage ---
	// sqlite, postgres, or memory (dev only; nothing survives a restart).
	StoreBackend string `envconfig:"PETALS_STORE" default:"sqlite"`
	SQLitePath   string `envconfig:"PETALS_SQLITE_PATH" default:"petals.db"`
	PostgresDSN  string `envconfig:"PETALS_POSTGRES_DSN"`

	// --- Engine ---
	// Timezone for "today" boundaries; "Local" or an IANA name.
	Timezone        string        `envconfig:"PETALS_TIMEZONE" default:"Local"`
	IdempotencyTTL  time.Duration `envconfig:"PETALS_IDEMPOTENCY_TTL" default:"24h"`
	StreakBonusRate string        `envconfig:"PETALS_STREAK_BONUS_RATE" default:"5"`
	CapsFile        string        `envconfig:"PETALS_CAPS_FILE"`

	// --- Jobs ---
	// Cron spec for the idempotency purge.
	PurgeSchedule string `envconfig:"PETALS_PURGE_SCHEDULE" default:"17 * * * *"`

	// --- Logging ---
	LogLevel string `envconfig:"PETALS_LOG_LEVEL" default:"info"`
}

// Load reads environment variables into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("PETALS_POSTGRES_DSN is required for the postgres backend")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("PETALS_IDEMPOTENCY_TTL must be positive")
	}
	if _, err := c.BonusRate(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("bad PETALS_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// BonusRate parses the streak bonus rate (petals per streak day; fractions
// allowed, the grant floors the product).
func (c *Config) BonusRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.StreakBonusRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad PETALS_STREAK_BONUS_RATE %q: %w", c.StreakBonusRate, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("PETALS_STREAK_BONUS_RATE must not be negative")
	}
	return rate, nil
}

// =============================================================================
// CAP TABLE OVERRIDES (TOML)
// =============================================================================

// capsFile is the on-disk shape of a cap-table override, e.g.:
//
//	[ceilings]
//	game = 2000
//	daily_bonus = 500
//
//	[sources]
//	mini_game = "game"
//
//	[prefixes]
//	"achievement:" = "achievement"
type capsFile struct {
	Ceilings map[string]int64  `toml:"ceilings"`
	Sources  map[string]string `toml:"sources"`
	Prefixes map[string]string `toml:"prefixes"`
}

// CapTable returns the effective cap table: the defaults, or the TOML
// overrides when CapsFile is set. Omitted sections keep their defaults.
func (c *Config) CapTable() (*petals.CapTable, error) {
	if c.CapsFile == "" {
		return petals.DefaultCapTable(), nil
	}

	raw, err := os.ReadFile(c.CapsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read caps file: %w", err)
	}
	var f capsFile
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse caps file: %w", err)
	}

	known := make(map[petals.Category]bool)
	for _, cat := range petals.Categories() {
		known[cat] = true
	}

	var ceilings map[petals.Category]int64
	if f.Ceilings != nil {
		ceilings = make(map[petals.Category]int64, len(f.Ceilings))
		for name, ceiling := range f.Ceilings {
			cat := petals.Category(name)
			if !known[cat] {
				return nil, fmt.Errorf("caps file: unknown category %q", name)
			}
			if ceiling < 0 {
				return nil, fmt.Errorf("caps file: negative ceiling for %q", name)
			}
			ceilings[cat] = ceiling
		}
		// Every category needs a ceiling; fill gaps from the defaults.
		for cat, def := range petals.DefaultCapTable().Ceilings() {
			if _, ok := ceilings[cat]; !ok {
				ceilings[cat] = def
			}
		}
	}

	var sources map[petals.Source]petals.Category
	if f.Sources != nil {
		sources = make(map[petals.Source]petals.Category, len(f.Sources))
		for src, name := range f.Sources {
			cat := petals.Category(name)
			if !known[cat] {
				return nil, fmt.Errorf("caps file: unknown category %q for source %q", name, src)
			}
			sources[petals.Source(src)] = cat
		}
	}

	var prefixes map[string]petals.Category
	if f.Prefixes != nil {
		prefixes = make(map[string]petals.Category, len(f.Prefixes))
		for prefix, name := range f.Prefixes {
			cat := petals.Category(name)
			if !known[cat] {
				return nil, fmt.Errorf("caps file: unknown category %q for prefix %q", name, prefix)
			}
			prefixes[prefix] = cat
		}
	}

	return petals.NewCapTable(ceilings, sources, prefixes), nil
}
