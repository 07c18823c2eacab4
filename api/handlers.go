/*
handlers.go - HTTP handlers for the petal economy API

PURPOSE:
  Thin translation layer: parse the request, call the engine, map typed
  results and errors to HTTP. No business logic lives here - every feature
  service (games, social, shop) gets exactly the same semantics whether it
  calls the engine in-process or over this API.

ERROR MAPPING:
  400  VALIDATION_ERROR      non-positive amount, missing source
  404  USER_NOT_FOUND        unresolvable identity
  409  INSUFFICIENT_FUNDS    debit exceeds balance (no mutation)
  409  DUPLICATE_REQUEST     duplicate whose winner is still in flight
  500  INTERNAL_ERROR        storage failures

  Cap clamping and idempotent replays are 200s - they are outcomes, not
  errors (limited / replayed fields in the body).

SEE ALSO:
  - dto.go:    Wire types
  - server.go: Router wiring
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/hanami/petal-engine/petals"
)

// Handler holds the engine behind the HTTP surface.
type Handler struct {
	Engine *petals.Engine
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *petals.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// WALLET OPERATIONS
// =============================================================================

// Grant handles POST /api/wallets/{userID}/grant.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	userID := petals.UserID(chi.URLParam(r, "userID"))

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	res, err := h.Engine.Grant(r.Context(), userID, req.Amount, petals.Source(req.Source),
		req.Metadata, req.Description, req.IdempotencyKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	grantedTotal.WithLabelValues(string(h.Engine.Caps().Categorize(petals.Source(req.Source)))).
		Add(float64(res.Granted))
	if res.Limited {
		limitedTotal.Inc()
	}
	if res.Replayed {
		replayedTotal.Inc()
	}

	writeJSON(w, http.StatusOK, GrantResponse{
		Success:        true,
		Granted:        res.Granted,
		NewBalance:     res.NewBalance,
		LifetimeEarned: res.LifetimeEarned,
		Limited:        res.Limited,
		Streak:         res.Streak,
		Bonus:          res.Bonus,
		Replayed:       res.Replayed,
	})
}

// Debit handles POST /api/wallets/{userID}/debit.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	userID := petals.UserID(chi.URLParam(r, "userID"))

	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	res, err := h.Engine.Debit(r.Context(), userID, req.Amount, petals.Source(req.Source), req.Description)
	if err != nil {
		if errors.Is(err, petals.ErrInsufficientFunds) {
			insufficientTotal.Inc()
		}
		writeEngineError(w, err)
		return
	}

	spentTotal.Add(float64(req.Amount))
	writeJSON(w, http.StatusOK, DebitResponse{Success: true, NewBalance: res.NewBalance})
}

// Wallet handles GET /api/wallets/{userID}.
func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	userID := petals.UserID(chi.URLParam(r, "userID"))

	info, err := h.Engine.WalletInfo(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WalletResponse{
		Success:         true,
		Balance:         info.Balance,
		LifetimeEarned:  info.LifetimeEarned,
		CurrentStreak:   info.CurrentStreak,
		LastCollectedAt: info.LastCollectedAt,
	})
}

// History handles GET /api/wallets/{userID}/ledger.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := petals.UserID(chi.URLParam(r, "userID"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer")
			return
		}
		limit = n
	}

	entries, err := h.Engine.History(r.Context(), userID, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = entryDTO(e)
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Success: true, Entries: dtos})
}

// RemainingCaps handles GET /api/wallets/{userID}/caps.
func (h *Handler) RemainingCaps(w http.ResponseWriter, r *http.Request) {
	userID := petals.UserID(chi.URLParam(r, "userID"))

	remaining, err := h.Engine.RemainingToday(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	caps := make(map[string]int64, len(remaining))
	for cat, n := range remaining {
		caps[string(cat)] = n
	}
	writeJSON(w, http.StatusOK, CapsResponse{Success: true, Caps: caps})
}

// =============================================================================
// ADMIN / DISPLAY
// =============================================================================

// CapTable handles GET /api/caps - the configured ceilings, for display.
func (h *Handler) CapTable(w http.ResponseWriter, r *http.Request) {
	ceilings := h.Engine.Caps().Ceilings()
	caps := make(map[string]int64, len(ceilings))
	for cat, n := range ceilings {
		caps[string(cat)] = n
	}
	writeJSON(w, http.StatusOK, CapsResponse{Success: true, Caps: caps})
}

// PurgeIdempotency handles POST /api/admin/idempotency/purge.
func (h *Handler) PurgeIdempotency(w http.ResponseWriter, r *http.Request) {
	purged, err := h.Engine.PurgeExpiredKeys(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Success: true, Purged: purged})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: code, Message: message})
}

// writeEngineError maps engine errors to the HTTP taxonomy.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, petals.ErrInvalidAmount), errors.Is(err, petals.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, petals.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", err.Error())
	case errors.Is(err, petals.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, petals.ErrRequestInFlight):
		writeError(w, http.StatusConflict, "DUPLICATE_REQUEST", err.Error())
	default:
		log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
