package incidents

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
	"github.com/meridianmsp/fleet/internal/controlplane/metrics"
)

// IncidentStore is what the handler needs from the incident store.
type IncidentStore interface {
	Report(ctx context.Context, p ReportParams) (int64, bool, error)
	Resolve(ctx context.Context, p ResolveParams) (int, error)
}

// Handler serves the incident ingest endpoints appliances post to.
type Handler struct {
	store    IncidentStore
	validate *validator.Validate
}

// NewHandler creates a Handler.
func NewHandler(store IncidentStore) *Handler {
	return &Handler{store: store, validate: validator.New()}
}

// Routes is mounted at /api/incidents.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Report)
	r.Post("/resolve", h.Resolve)
	return r
}

type reportRequest struct {
	SiteID        string                 `json:"site_id" validate:"required"`
	HostID        string                 `json:"host_id" validate:"required"`
	IncidentType  string                 `json:"incident_type" validate:"required"`
	Severity      string                 `json:"severity"`
	CheckType     string                 `json:"check_type"`
	Details       map[string]interface{} `json:"details"`
	PreState      map[string]interface{} `json:"pre_state"`
	HIPAAControls []string               `json:"hipaa_controls"`
}

// Report handles POST /api/incidents. 201 means a new incident opened,
// 200 means an existing open incident was refreshed.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	id, created, err := h.store.Report(r.Context(), ReportParams{
		SiteID:        req.SiteID,
		HostID:        req.HostID,
		IncidentType:  req.IncidentType,
		Severity:      req.Severity,
		CheckType:     req.CheckType,
		Details:       req.Details,
		PreState:      req.PreState,
		HIPAAControls: req.HIPAAControls,
	})
	if err != nil {
		log.Printf("[incidents] report failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "report failed")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
		metrics.IncidentOpened()
		log.Printf("[incidents] opened #%d: %s %s/%s (%s)",
			id, req.SiteID, req.HostID, req.IncidentType, req.Severity)
	}

	httpx.WriteJSON(w, code, map[string]interface{}{
		"incident_id": id,
		"created":     created,
	})
}

type resolveRequest struct {
	SiteID         string `json:"site_id" validate:"required"`
	HostID         string `json:"host_id" validate:"required"`
	CheckType      string `json:"check_type" validate:"required"`
	ResolutionTier string `json:"resolution_tier"`
	RunbookID      string `json:"runbook_id"`
	Status         string `json:"status"`
}

// Resolve handles POST /api/incidents/resolve. Always 200: closing an
// incident that is already closed is a no-op, not a failure.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	resolved, err := h.store.Resolve(r.Context(), ResolveParams{
		SiteID:         req.SiteID,
		HostID:         req.HostID,
		CheckType:      req.CheckType,
		ResolutionTier: req.ResolutionTier,
		RunbookID:      req.RunbookID,
		Status:         req.Status,
	})
	if err != nil {
		log.Printf("[incidents] resolve failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	if resolved > 0 {
		metrics.IncidentsResolved(resolved)
		log.Printf("[incidents] resolved %d: %s %s/%s via %s",
			resolved, req.SiteID, req.HostID, req.CheckType, req.ResolutionTier)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"resolved": resolved,
	})
}
