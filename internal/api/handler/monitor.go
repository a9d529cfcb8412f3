package handler

import (
	"net/http"

	"github.com/sendolabs/custody-engine/internal/service"
)

type MonitorHandler struct {
	monitor   *service.MonitorService
	reconcile *service.ReconcileService
}

func NewMonitorHandler(monitor *service.MonitorService, reconcile *service.ReconcileService) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, reconcile: reconcile}
}

func (h *MonitorHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Start(r.Context()); err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]bool{"active": true})
}

func (h *MonitorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Stop(); err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (h *MonitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]bool{"active": h.monitor.Active()})
}

// Reconcile runs a ledger-versus-chain pass. With update=true it repairs
// drifted ledger balances; the monitor must be stopped first.
func (h *MonitorHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	update := r.URL.Query().Get("update") == "true"

	report, err := h.reconcile.Sync(r.Context(), update)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, report)
}
