// Package store provides an in-memory petals.Store for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hanami/petal-engine/petals"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory holds everything under one mutex, which makes every operation
// trivially atomic - the same guarantees the SQL stores get from their
// transactions and unique constraints.
type Memory struct {
	mu          sync.Mutex
	wallets     map[petals.UserID]*petals.Wallet
	ledger      map[petals.UserID][]petals.Entry
	idempotency map[string]*idemRecord
}

type idemRecord struct {
	purpose   string
	response  []byte
	fulfilled bool
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wallets:     make(map[petals.UserID]*petals.Wallet),
		ledger:      make(map[petals.UserID][]petals.Entry),
		idempotency: make(map[string]*idemRecord),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// WALLETS
// =============================================================================

func (m *Memory) GetOrCreateWallet(_ context.Context, userID petals.UserID) (*petals.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.getOrCreateLocked(userID)
	return &cp, nil
}

func (m *Memory) getOrCreateLocked(userID petals.UserID) *petals.Wallet {
	if w, ok := m.wallets[userID]; ok {
		return w
	}
	now := time.Now()
	w := &petals.Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	m.wallets[userID] = w
	return w
}

func (m *Memory) Wallet(_ context.Context, userID petals.UserID) (*petals.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, petals.ErrUserNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) Apply(_ context.Context, mut petals.Mutation) (*petals.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[mut.UserID]
	if !ok {
		return nil, petals.ErrUserNotFound
	}
	if w.Balance+mut.Amount < 0 {
		return nil, &petals.InsufficientFundsError{
			UserID:    mut.UserID,
			Available: w.Balance,
			Requested: -mut.Amount,
		}
	}

	w.Balance += mut.Amount
	w.UpdatedAt = mut.At
	if mut.IsEarn {
		w.LifetimeEarned += mut.Amount
		at := mut.At
		w.LastCollectedAt = &at
	}
	if mut.SetStreak != nil {
		w.CurrentStreak = *mut.SetStreak
	}

	m.ledger[mut.UserID] = append(m.ledger[mut.UserID], petals.Entry{
		ID:          mut.EntryID,
		UserID:      mut.UserID,
		Amount:      mut.Amount,
		Source:      mut.Source,
		Description: mut.Description,
		Metadata:    mut.Metadata,
		CreatedAt:   mut.At,
	})

	cp := *w
	return &cp, nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (m *Memory) Entries(_ context.Context, userID petals.UserID, limit int) ([]petals.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.ledger[userID]
	out := make([]petals.Entry, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EarnedBySource(_ context.Context, userID petals.UserID, from, to time.Time) (map[petals.Source]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[petals.Source]int64)
	for _, e := range m.ledger[userID] {
		if e.Amount <= 0 {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out[e.Source] += e.Amount
	}
	return out, nil
}

// =============================================================================
// IDEMPOTENCY REGISTRY
// =============================================================================

func (m *Memory) ReserveKey(_ context.Context, key, purpose string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.idempotency[key]; ok {
		if rec.expiresAt.After(time.Now()) {
			return false, nil
		}
		// Expired reservations count as absent.
		delete(m.idempotency, key)
	}
	m.idempotency[key] = &idemRecord{purpose: purpose, expiresAt: expiresAt}
	return true, nil
}

func (m *Memory) StoreResult(_ context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.idempotency[key]; ok {
		rec.response = response
		rec.fulfilled = true
	}
	return nil
}

func (m *Memory) FetchResult(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idempotency[key]
	if !ok || !rec.fulfilled {
		return nil, false, nil
	}
	return rec.response, true, nil
}

func (m *Memory) ReleaseKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for key, rec := range m.idempotency {
		if rec.expiresAt.Before(now) {
			delete(m.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

// Compile-time check.
var _ petals.Store = (*Memory)(nil)
