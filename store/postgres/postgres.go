/*
Package postgres provides a PostgreSQL-backed implementation of petals.Store.

PURPOSE:
  Same contract as store/sqlite, but the database's own row locking and
  unique constraints carry the concurrency load - no process-level mutex.
  Suited to deployments with multiple server instances sharing one
  database, which is exactly the situation an in-process idempotency map
  cannot handle.

POOLING:
  Uses pgxpool so concurrent request handlers share a bounded set of
  connections.

SEE ALSO:
  - petals/store.go:       Interface contract
  - store/sqlite/sqlite.go: Schema notes (shapes match, dialect differs)
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanami/petal-engine/petals"
)

// uniqueViolation is the PostgreSQL error code for a unique-constraint hit.
const uniqueViolation = "23505"

// Store implements petals.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned BIGINT NOT NULL DEFAULT 0,
		current_streak INTEGER NOT NULL DEFAULT 0,
		last_collected_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		source TEXT NOT NULL,
		description TEXT,
		metadata_json JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_source_created
		ON ledger(user_id, source, created_at);

	CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		response TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency(expires_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) GetOrCreateWallet(ctx context.Context, userID petals.UserID) (*petals.Wallet, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return s.loadWallet(ctx, s.pool, userID)
}

func (s *Store) Wallet(ctx context.Context, userID petals.UserID) (*petals.Wallet, error) {
	return s.loadWallet(ctx, s.pool, userID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) loadWallet(ctx context.Context, q rowQuerier, userID petals.UserID) (*petals.Wallet, error) {
	var w petals.Wallet
	err := q.QueryRow(ctx, `
		SELECT user_id, balance, lifetime_earned, current_streak, last_collected_at, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.UserID, &w.Balance, &w.LifetimeEarned, &w.CurrentStreak,
		&w.LastCollectedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, petals.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &w, nil
}

// =============================================================================
// APPLY - The single write path
// =============================================================================

func (s *Store) Apply(ctx context.Context, m petals.Mutation) (*petals.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if m.IsEarn {
		tag, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance = balance + $1, lifetime_earned = lifetime_earned + $1,
			    last_collected_at = $2, updated_at = $2
			WHERE user_id = $3
		`, m.Amount, m.At, m.UserID)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance = balance + $1, updated_at = $2
			WHERE user_id = $3 AND balance + $1 >= 0
		`, m.Amount, m.At, m.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply delta: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, m.UserID,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
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
		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET current_streak = $1 WHERE user_id = $2`,
			*m.SetStreak, m.UserID); err != nil {
			return nil, fmt.Errorf("failed to update streak: %w", err)
		}
	}

	metadataJSON, _ := json.Marshal(m.Metadata)
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger (id, user_id, amount, source, description, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.EntryID, m.UserID, m.Amount, m.Source, m.Description, metadataJSON, m.At); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	w, err := s.loadWallet(ctx, tx, m.UserID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return w, nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) Entries(ctx context.Context, userID petals.UserID, limit int) ([]petals.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, source, description, metadata_json, created_at
		FROM ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []petals.Entry
	for rows.Next() {
		var (
			e            petals.Entry
			description  *string
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Source, &description, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if description != nil {
			e.Description = *description
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) EarnedBySource(ctx context.Context, userID petals.UserID, from, to time.Time) (map[petals.Source]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, SUM(amount)
		FROM ledger
		WHERE user_id = $1 AND amount > 0 AND created_at >= $2 AND created_at < $3
		GROUP BY source
	`, userID, from, to)
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
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency WHERE key = $1 AND expires_at < NOW()`, key); err != nil {
		return false, fmt.Errorf("failed to clear expired key: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency (key, purpose, expires_at)
		VALUES ($1, $2, $3)
	`, key, purpose, expiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("failed to reserve key: %w", err)
	}
	return true, nil
}

func (s *Store) StoreResult(ctx context.Context, key string, response []byte) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE idempotency SET response = $1 WHERE key = $2`,
		string(response), key); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *Store) FetchResult(ctx context.Context, key string) ([]byte, bool, error) {
	var response *string
	err := s.pool.QueryRow(ctx,
		`SELECT response FROM idempotency WHERE key = $1`, key,
	).Scan(&response)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch result: %w", err)
	}
	if response == nil {
		return nil, false, nil
	}
	return []byte(*response), true, nil
}

func (s *Store) ReleaseKey(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time check.
var _ petals.Store = (*Store)(nil)
