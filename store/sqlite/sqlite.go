/*
Package sqlite provides a SQLite-backed implementation of petals.Store.

PURPOSE:
  Persists wallets, the append-only ledger, and the idempotency registry.
  The same SQL shapes apply to PostgreSQL (see store/postgres) - only
  dialect details differ.

KEY TABLES:
  wallets:      One row per user; materialized balance + streak state
  ledger:       Immutable log of every balance change
  idempotency:  Keyed request results with TTL expiry

ATOMICITY:
  Apply runs the guarded balance update, the optional streak update, and
  the ledger insert inside one BEGIN...COMMIT. The balance change is an
  atomic SQL increment (balance = balance + ?), never read-then-write, so
  concurrent grants against the same wallet cannot lose updates.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement ever touches the ledger table. Corrections
  are new offsetting entries.

CONCURRENCY:
  A mutex serializes writers on top of WAL mode. With PostgreSQL the
  database's own row locking takes over and the mutex disappears.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexicographic comparison matches
  chronological order, which the half-open daily-window queries rely on.

SEE ALSO:
  - petals/store.go: Interface contract
  - store/postgres:  pgx implementation of the same contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hanami/petal-engine/petals"
)

// timeLayout is fixed-width UTC so string comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// Store implements petals.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at path. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: a second connection to ":memory:" would open a
	// different empty database, and writers are serialized anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Wallets (one row per user, materialized view of the ledger)
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned INTEGER NOT NULL DEFAULT 0,
		current_streak INTEGER NOT NULL DEFAULT 0,
		last_collected_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger (append-only; no UPDATE or DELETE, ever)
	CREATE TABLE IF NOT EXISTS ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		source TEXT NOT NULL,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger(user_id, created_at);

	-- Daily-cap aggregation (hot path: per-source earn sums in a window)
	CREATE INDEX IF NOT EXISTS idx_ledger_user_source_created
		ON ledger(user_id, source, created_at);

	-- Idempotency registry (the PRIMARY KEY is the concurrency primitive)
	CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		response TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) GetOrCreateWallet(ctx context.Context, userID petals.UserID) (*petals.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO wallets (user_id, balance, lifetime_earned, current_streak, created_at, updated_at)
		VALUES (?, 0, 0, 0, ?, ?)
	`, userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	return s.loadWallet(ctx, s.db, userID)
}

func (s *Store) Wallet(ctx context.Context, userID petals.UserID) (*petals.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadWallet(ctx, s.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadWallet(ctx context.Context, db queryRower, userID petals.UserID) (*petals.Wallet, error) {
	var (
		w             petals.Wallet
		lastCollected sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := db.QueryRowContext(ctx, `
		SELECT user_id, balance, lifetime_earned, current_streak, last_collected_at, created_at, updated_at
		FROM wallets WHERE user_id = ?
	`, userID).Scan(&w.UserID, &w.Balance, &w.LifetimeEarned, &w.CurrentStreak, &lastCollected, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, petals.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	if lastCollected.Valid {
		t, perr := parseTime(lastCollected.String)
		if perr != nil {
			return nil, fmt.Errorf("corrupt last_collected_at: %w", perr)
		}
		w.LastCollectedAt = &t
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at: %w", err)
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at: %w", err)
	}
	return &w, nil
}

// =============================================================================
// APPLY - The single write path
// =============================================================================

func (s *Store) Apply(ctx context.Context, m petals.Mutation) (*petals.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(m.At)

	// Atomic increment. Debits are guarded so the balance can never go
	// negative; zero rows affected means insufficient funds or a missing
	// wallet.
	var res sql.Result
	if m.IsEarn {
		res, err = tx.ExecContext(ctx, `
			UPDATE wallets
			SET balance = balance + ?, lifetime_earned = lifetime_earned + ?,
			    last_collected_at = ?, updated_at = ?
			WHERE user_id = ?
		`, m.Amount, m.Amount, at, at, m.UserID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE wallets
			SET balance = balance + ?, updated_at = ?
			WHERE user_id = ? AND balance + ? >= 0
		`, m.Amount, at, m.UserID, m.Amount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply delta: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check delta result: %w", err)
	}
	if rows == 0 {
		var balance int64
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM wallets WHERE user_id = ?`, m.UserID,
		).Scan(&balance)
		if err == sql.ErrNoRows {
			return nil, petals.ErrUserNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		return nil, &petals.InsufficientFundsError{
			UserID:    m.UserID,
			Available: balance,
			Requested: -m.Amount,
		}
	}

	if m.SetStreak != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET current_streak = ? WHERE user_id = ?
		`, *m.SetStreak, m.UserID); err != nil {
			return nil, fmt.Errorf("failed to update streak: %w", err)
		}
	}

	metadataJSON, _ := json.Marshal(m.Metadata)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (id, user_id, amount, source, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.EntryID, m.UserID, m.Amount, m.Source, m.Description, string(metadataJSON), at); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	w, err := s.loadWallet(ctx, tx, m.UserID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return w, nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) Entries(ctx context.Context, userID petals.UserID, limit int) ([]petals.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, source, description, metadata_json, created_at
		FROM ledger
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []petals.Entry
	for rows.Next() {
		var (
			e            petals.Entry
			description  sql.NullString
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Source, &description, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Description = description.String
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) EarnedBySource(ctx context.Context, userID petals.UserID, from, to time.Time) (map[petals.Source]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, SUM(amount)
		FROM ledger
		WHERE user_id = ? AND amount > 0 AND created_at >= ? AND created_at < ?
		GROUP BY source
	`, userID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate earnings: %w", err)
	}
	defer rows.Close()

	out := make(map[petals.Source]int64)
	for rows.Next() {
		var (
			source petals.Source
			sum    int64
		)
		if err := rows.Scan(&source, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan earnings: %w", err)
		}
		out[source] = sum
	}
	return out, rows.Err()
}

// =============================================================================
// IDEMPOTENCY REGISTRY
// =============================================================================

func (s *Store) ReserveKey(ctx context.Context, key, purpose string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// A key whose TTL passed counts as absent even if the purge job has not
	// run yet.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE key = ? AND expires_at < ?`,
		key, formatTime(now)); err != nil {
		return false, fmt.Errorf("failed to clear expired key: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, purpose, response, created_at, expires_at)
		VALUES (?, ?, NULL, ?, ?)
	`, key, purpose, formatTime(now), formatTime(expiresAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to reserve key: %w", err)
	}
	return true, nil
}

func (s *Store) StoreResult(ctx context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET response = ? WHERE key = ?`,
		string(response), key); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *Store) FetchResult(ctx context.Context, key string) ([]byte, bool, error) {
	var response sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency WHERE key = ?`, key,
	).Scan(&response)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch result: %w", err)
	}
	if !response.Valid {
		return nil, false, nil
	}
	return []byte(response.String), true, nil
}

func (s *Store) ReleaseKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired keys: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time check.
var _ petals.Store = (*Store)(nil)
