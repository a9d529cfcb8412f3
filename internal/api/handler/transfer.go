package handler

import (
	"net/http"

	"github.com/sendolabs/custody-engine/internal/service"
)

type TransferHandler struct {
	svc *service.TransferService
}

func NewTransferHandler(svc *service.TransferService) *TransferHandler {
	return &TransferHandler{svc: svc}
}

func (h *TransferHandler) MakeTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAccountID string `json:"from_account_id"`
		ToAccountID   string `json:"to_account_id"`
		Currency      string `json:"currency"`
		Amount        string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		RespondError(w, r, http.StatusBadRequest, "validation-failed", "from_account_id and to_account_id are required")
		return
	}

	units, ok := parseAmount(w, r, req.Currency, req.Amount)
	if !ok {
		return
	}

	result, err := h.svc.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Currency, units)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}
