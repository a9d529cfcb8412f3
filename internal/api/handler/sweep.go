package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sendolabs/custody-engine/internal/service"
)

type SweepHandler struct {
	svc *service.SweepService
}

func NewSweepHandler(svc *service.SweepService) *SweepHandler {
	return &SweepHandler{svc: svc}
}

func (h *SweepHandler) TriggerThreshold(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.CheckAndSweep(r.Context())
	if err != nil {
		h.respondSweepError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"mode": "threshold", "results": results})
}

func (h *SweepHandler) TriggerSmart(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.SmartSweep(r.Context())
	if err != nil {
		h.respondSweepError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"mode": "smart", "results": results})
}

// SweepAccount forces a single (account, currency) sweep regardless of
// threshold, still subject to the materiality floor.
func (h *SweepHandler) SweepAccount(w http.ResponseWriter, r *http.Request) {
	result := h.svc.SweepUserFunds(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "currency"))
	RespondJSON(w, http.StatusOK, result)
}

func (h *SweepHandler) Stats(w http.ResponseWriter, r *http.Request) {
	overview, err := h.svc.Stats(r.Context())
	if err != nil {
		h.respondSweepError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, overview)
}

func (h *SweepHandler) TreasuryLiquidity(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.svc.TreasuryLiquidity(r.Context())
	if err != nil {
		h.respondSweepError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, statuses)
}

func (h *SweepHandler) respondSweepError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrTreasuryUnset) {
		RespondError(w, r, http.StatusConflict, "treasury-unset", err.Error())
		return
	}
	if errors.Is(err, service.ErrSponsorUnset) {
		RespondError(w, r, http.StatusConflict, "sponsor-unset", err.Error())
		return
	}
	RespondServiceError(w, r, err)
}
