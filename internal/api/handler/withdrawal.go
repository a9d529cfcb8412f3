package handler

import (
	"net/http"

	"github.com/sendolabs/custody-engine/internal/service"
)

type WithdrawalHandler struct {
	svc *service.WithdrawalService
}

func NewWithdrawalHandler(svc *service.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{svc: svc}
}

type withdrawalRequest struct {
	AccountID   string `json:"account_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

func (h *WithdrawalHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	units, ok := parseAmount(w, r, req.Currency, req.Amount)
	if !ok {
		return
	}

	validation, err := h.svc.Validate(r.Context(), req.AccountID, req.Currency, units, req.Destination)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, validation)
}

func (h *WithdrawalHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	units, ok := parseAmount(w, r, req.Currency, req.Amount)
	if !ok {
		return
	}

	estimate, err := h.svc.EstimateCost(r.Context(), req.Currency, units, req.Destination)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, estimate)
}

func (h *WithdrawalHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	units, ok := parseAmount(w, r, req.Currency, req.Amount)
	if !ok {
		return
	}

	result, err := h.svc.Process(r.Context(), req.AccountID, req.Currency, units, req.Destination)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}

func (h *WithdrawalHandler) HotWalletBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.svc.HotWalletBalances(r.Context())
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, balances)
}
