package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/service"
)

type AccountHandler struct {
	svc *service.AccountService
}

func NewAccountHandler(svc *service.AccountService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
		Name        string `json:"name"`
		Email       string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := h.svc.Register(r.Context(), req.PhoneNumber, req.Name, req.Email)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	account, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) GetByPhone(w http.ResponseWriter, r *http.Request) {
	account, err := h.svc.GetByPhone(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, account)
}

// Balances renders the account's per-currency positions in both base units
// and human denomination.
func (h *AccountHandler) Balances(w http.ResponseWriter, r *http.Request) {
	account, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	type position struct {
		BaseUnits int64  `json:"base_units"`
		Amount    string `json:"amount"`
	}
	balances := make(map[string]position)
	for _, currency := range domain.SupportedCurrencies() {
		units := account.Balance(currency.Code)
		balances[currency.Code] = position{
			BaseUnits: units,
			Amount:    currency.FromBaseUnits(units).String(),
		}
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": account.ID,
		"balances":   balances,
	})
}

func (h *AccountHandler) EnsureAddress(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	chainName := chi.URLParam(r, "chain")

	var address string
	var err error
	switch chainName {
	case string(domain.ChainArbitrum):
		address, err = h.svc.EnsureArbitrumAddress(r.Context(), accountID)
	case string(domain.ChainBitcoin):
		address, err = h.svc.EnsureBitcoinAddress(r.Context(), accountID)
	default:
		RespondError(w, r, http.StatusBadRequest, "validation-failed", "chain must be arbitrum or bitcoin")
		return
	}
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"chain": chainName, "address": address})
}

func (h *AccountHandler) DepositInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.DepositInfo(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "currency"))
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, info)
}

func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			RespondError(w, r, http.StatusBadRequest, "validation-failed", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	transactions, err := h.svc.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transactions)
}

// ManualAdjust applies an operator-initiated ledger correction.
func (h *AccountHandler) ManualAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"currency"`
		Type     string `json:"type"`
		Amount   string `json:"amount"`
		Note     string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	units, ok := parseAmount(w, r, req.Currency, req.Amount)
	if !ok {
		return
	}

	tx, err := h.svc.ManualAdjust(r.Context(), chi.URLParam(r, "id"), req.Currency, req.Type, units, req.Note)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, tx)
}

// parseAmount converts a human-denominated decimal string into base units
// of the named currency, writing a problem response on failure.
func parseAmount(w http.ResponseWriter, r *http.Request, currencyCode, amount string) (int64, bool) {
	currency, err := domain.CurrencyByCode(currencyCode)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "validation-failed", err.Error())
		return 0, false
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "validation-failed", "amount must be a decimal string")
		return 0, false
	}
	units := currency.ToBaseUnits(d)
	if units <= 0 {
		RespondError(w, r, http.StatusBadRequest, "validation-failed", "amount must be positive")
		return 0, false
	}
	return units, true
}
