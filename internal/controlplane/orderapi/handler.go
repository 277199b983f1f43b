package orderapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
)

// OrderStore is the handler's view of order persistence.
type OrderStore interface {
	Create(ctx context.Context, p CreateParams) (*Order, error)
	Get(ctx context.Context, orderID string) (*Order, error)
	Ack(ctx context.Context, orderID string) error
	Complete(ctx context.Context, orderID string, report CompletionReport) error
}

// Handler serves the order API: creation for operators, ack/complete for
// appliances.
type Handler struct {
	store OrderStore
}

// NewHandler creates the order handler.
func NewHandler(store OrderStore) *Handler {
	return &Handler{store: store}
}

// Routes mounts the order endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{orderID}", h.Get)
	r.Post("/{orderID}/ack", h.Ack)
	r.Post("/{orderID}/complete", h.Complete)
	return r
}

// createRequest is the operator-facing order creation body.
type createRequest struct {
	ApplianceID string                 `json:"appliance_id"`
	SiteID      string                 `json:"site_id"`
	OrderType   string                 `json:"order_type"`
	Parameters  map[string]interface{} `json:"parameters"`
	Priority    int                    `json:"priority"`
	RunbookID   string                 `json:"runbook_id"`
	TTLSeconds  int                    `json:"ttl_seconds"`
}

// Create handles POST /api/orders.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ApplianceID == "" {
		httpx.Error(w, http.StatusBadRequest, "appliance_id is required")
		return
	}
	if !ValidOrderType(req.OrderType) {
		httpx.Error(w, http.StatusBadRequest, "unknown order_type")
		return
	}

	order, err := h.store.Create(r.Context(), CreateParams{
		ApplianceID: req.ApplianceID,
		SiteID:      req.SiteID,
		OrderType:   req.OrderType,
		Parameters:  req.Parameters,
		Priority:    req.Priority,
		RunbookID:   req.RunbookID,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		log.Printf("[orders] create failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "order creation failed")
		return
	}

	log.Printf("[orders] created %s (%s) for %s", order.OrderID, order.OrderType, order.ApplianceID)
	httpx.WriteJSON(w, http.StatusCreated, order)
}

// Get handles GET /api/orders/{orderID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.store.Get(r.Context(), orderID)
	if errors.Is(err, ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		log.Printf("[orders] get %s failed: %v", orderID, err)
		httpx.Error(w, http.StatusInternalServerError, "order lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, order)
}

// Ack handles POST /api/orders/{orderID}/ack. The appliance acks before
// executing so the dashboard shows the order left the queue.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	err := h.store.Ack(r.Context(), orderID)
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "order not found")
	case errors.Is(err, ErrFinal):
		httpx.Error(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Printf("[orders] ack %s failed: %v", orderID, err)
		httpx.Error(w, http.StatusInternalServerError, "ack failed")
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}

// Complete handles POST /api/orders/{orderID}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var report CompletionReport
	if err := httpx.Decode(r, &report); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := h.store.Complete(r.Context(), orderID, report)
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "order not found")
	case errors.Is(err, ErrFinal):
		httpx.Error(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Printf("[orders] complete %s failed: %v", orderID, err)
		httpx.Error(w, http.StatusInternalServerError, "completion failed")
	default:
		status := "completed"
		if !report.Success {
			status = "failed"
		}
		log.Printf("[orders] %s %s", orderID, status)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}
