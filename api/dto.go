/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  Decouples the wire contract from the engine types. DTOs are pure data
  carriers; validation happens in the engine so every caller gets the same
  rules.

NAMING CONVENTION:
  *Request: Request bodies from clients
  *Response: Response bodies returned to clients
*/
package api

import (
	"time"

	"github.com/hanami/petal-engine/petals"
)

// =============================================================================
// REQUESTS
// =============================================================================

// GrantRequest credits petals to the wallet in the URL.
type GrantRequest struct {
	Amount         int64             `json:"amount"`
	Source         string            `json:"source"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// DebitRequest spends petals from the wallet in the URL.
type DebitRequest struct {
	Amount      int64  `json:"amount"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// GrantResponse mirrors petals.GrantResult plus the success flag.
type GrantResponse struct {
	Success        bool  `json:"success"`
	Granted        int64 `json:"granted"`
	NewBalance     int64 `json:"new_balance"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	Limited        bool  `json:"limited"`
	Streak         int   `json:"streak,omitempty"`
	Bonus          int64 `json:"bonus,omitempty"`
	Replayed       bool  `json:"replayed,omitempty"`
}

// DebitResponse reports the balance after a spend.
type DebitResponse struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"new_balance"`
}

// WalletResponse is the wallet info view.
type WalletResponse struct {
	Success         bool       `json:"success"`
	Balance         int64      `json:"balance"`
	LifetimeEarned  int64      `json:"lifetime_earned"`
	CurrentStreak   int        `json:"current_streak"`
	LastCollectedAt *time.Time `json:"last_collected_at,omitempty"`
}

// EntryDTO is one ledger entry in a history response.
type EntryDTO struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Source      string            `json:"source"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// HistoryResponse lists recent ledger entries, newest first.
type HistoryResponse struct {
	Success bool       `json:"success"`
	Entries []EntryDTO `json:"entries"`
}

// CapsResponse maps category names to petal amounts (ceilings or remaining
// headroom, depending on the endpoint).
type CapsResponse struct {
	Success bool             `json:"success"`
	Caps    map[string]int64 `json:"caps"`
}

// PurgeResponse reports an idempotency purge run.
type PurgeResponse struct {
	Success bool  `json:"success"`
	Purged  int64 `json:"purged"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func entryDTO(e petals.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Amount:      e.Amount,
		Source:      string(e.Source),
		Description: e.Description,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt,
	}
}
