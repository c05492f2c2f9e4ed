package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/parimutuel/internal/chips"
	"github.com/atmx/parimutuel/internal/consensus"
	"github.com/atmx/parimutuel/internal/custody"
	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/lock"
	"github.com/atmx/parimutuel/internal/market"
	"github.com/atmx/parimutuel/internal/settlement"
	"github.com/atmx/parimutuel/internal/tier"
)

var (
	errBadRequest   = errors.New("api: bad request")
	errUnauthorized = errors.New("api: missing or invalid X-Account")
)

var (
	badRequest = []error{
		errBadRequest,
		market.ErrInvalidTime,
		market.ErrInvalidOptionsQty,
		market.ErrInvalidResolvers,
		market.ErrInvalidCategory,
		market.ErrInvalidCreationFee,
		market.ErrInvalidMaxLevel,
		market.ErrEmptyBatch,
		chips.ErrInvalidAddress,
		chips.ErrInvalidChip,
		ledger.ErrInvalidAmount,
		ledger.ErrInvalidResultID,
		consensus.ErrInvalidResultID,
		custody.ErrInvalidAmount,
		tier.ErrInvalidLevel,
	}
	forbidden = []error{
		market.ErrForbidden,
		consensus.ErrUnauthorized,
	}
	conflict = []error{
		chips.ErrDuplicate,
		ledger.ErrInvalidStakeTime,
		ledger.ErrPairPaused,
		consensus.ErrOutdated,
		consensus.ErrPairResolved,
		consensus.ErrResolvedAlready,
		settlement.ErrOngoing,
		settlement.ErrNothingToWithdraw,
		settlement.ErrInvalidPair,
		settlement.ErrClaimed,
		settlement.ErrSweptAlready,
		settlement.ErrPairPaused,
		custody.ErrInsufficientBalance,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, market.ErrPairNotFound):
		return http.StatusNotFound
	case isAny(err, forbidden):
		return http.StatusForbidden
	case isAny(err, badRequest):
		return http.StatusBadRequest
	case isAny(err, conflict):
		return http.StatusConflict
	case errors.Is(err, lock.ErrLockHeld):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
