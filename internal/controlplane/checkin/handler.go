package checkin

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
	"github.com/meridianmsp/fleet/internal/controlplane/metrics"
)

// Processor runs the checkin pipeline. *Store is the production
// implementation; tests substitute a stub.
type Processor interface {
	ProcessCheckin(ctx context.Context, req Request) (*Response, error)
}

// Handler serves POST /api/appliances/checkin.
type Handler struct {
	proc Processor
}

// NewHandler creates the checkin handler.
func NewHandler(proc Processor) *Handler {
	return &Handler{proc: proc}
}

// ServeHTTP handles one checkin. Auth is enforced by router middleware;
// the handler only validates and processes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.SiteID == "" || req.Hostname == "" || req.MACAddress == "" {
		httpx.Error(w, http.StatusBadRequest, "site_id, hostname, and mac_address are required")
		return
	}

	start := time.Now()
	resp, err := h.proc.ProcessCheckin(r.Context(), req)
	if err != nil {
		log.Printf("[checkin] ERROR processing %s/%s: %v", req.SiteID, req.Hostname, err)
		httpx.Error(w, http.StatusInternalServerError, "checkin failed")
		return
	}

	metrics.ObserveCheckin(resp.MergedDuplicates, len(resp.PendingOrders))

	log.Printf("[checkin] %s/%s -> %s (%d orders, %d win, %d lin) in %v",
		req.SiteID, req.Hostname, resp.ApplianceID,
		len(resp.PendingOrders), len(resp.WindowsTargets), len(resp.LinuxTargets),
		time.Since(start))

	httpx.WriteJSON(w, http.StatusOK, resp)
}
