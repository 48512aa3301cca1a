package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/models"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

// LedgerResponse answers GET /api/ledger/{address}
type LedgerResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Address string                `json:"address"`
	Count   int                   `json:"count"`
	Entries []*models.LedgerEntry `json:"entries"`
}

// handleLedger lists rewards owed or paid to an address, newest first
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		respondAppError(w, r, apperrors.NewServiceUnavailableError("ledger"))
		return
	}

	raw := mux.Vars(r)["address"]
	address := models.NormalizeAddress(raw)
	if !models.IsValidAddress(address) {
		respondAppError(w, r, apperrors.NewInvalidAddressError(raw))
		return
	}

	limit := defaultLedgerLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLedgerLimit {
			respondAppError(w, r, apperrors.NewInvalidParameterError("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}

	entries, err := s.ledger.ListByRecipient(r.Context(), address, limit)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("list_ledger", err))
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}

	respondJSON(w, http.StatusOK, LedgerResponse{
		Success: true,
		Message: fmt.Sprintf("Found %d ledger entries", len(entries)),
		Address: address,
		Count:   len(entries),
		Entries: entries,
	})
}
