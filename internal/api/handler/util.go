package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sendolabs/custody-engine/internal/api/problem"
	"github.com/sendolabs/custody-engine/internal/models"
	"github.com/sendolabs/custody-engine/internal/service"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// RespondServiceError maps well-known service and ledger errors to HTTP
// statuses; everything else becomes a 500.
func RespondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrTransactionNotFound):
		RespondError(w, r, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, models.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, "insufficient-funds", err.Error())
	case errors.Is(err, models.ErrDuplicateAccount),
		errors.Is(err, models.ErrAddressExists),
		errors.Is(err, service.ErrMonitorActive):
		RespondError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, service.ErrHotWalletUnset):
		RespondError(w, r, http.StatusConflict, "hot-wallet-unset", err.Error())
	case errors.Is(err, service.ErrMonitorNotRunning):
		RespondError(w, r, http.StatusBadRequest, "monitor-not-running", err.Error())
	case errors.Is(err, service.ErrInvalidPhone),
		errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCurrency),
		errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, service.ErrWithdrawalInvalid):
		RespondError(w, r, http.StatusBadRequest, "validation-failed", err.Error())
	default:
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "invalid-body", "Invalid request body")
		return false
	}
	return true
}
