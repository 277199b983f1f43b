package chain

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
	"github.com/meridianmsp/fleet/internal/controlplane/metrics"
)

// ChainStore is what the handler needs from the chain. *Store is the
// production implementation.
type ChainStore interface {
	Submit(ctx context.Context, env *Envelope) (*SubmitResult, error)
	Verify(ctx context.Context, siteID string) (*VerifyResult, error)
	ListBundles(ctx context.Context, siteID string, limit int) ([]BundleMeta, error)
}

// Handler serves the evidence chain endpoints.
type Handler struct {
	store ChainStore

	// serverPublicKey is the control plane's Ed25519 key, displayed in
	// the client portal next to chain verification results.
	serverPublicKey string
}

// NewHandler creates the evidence chain handler.
func NewHandler(store ChainStore, serverPublicKey string) *Handler {
	return &Handler{store: store, serverPublicKey: serverPublicKey}
}

// Routes mounts the site-scoped chain endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sites/{siteID}/submit", h.Submit)
	r.Get("/sites/{siteID}/verify", h.VerifyChain)
	r.Get("/sites/{siteID}/bundles", h.Bundles)
	r.Get("/public-key", h.PublicKey)
	return r
}

// Submit handles POST /api/evidence/sites/{siteID}/submit. Integrity
// failures return 409 with no persistence; the appliance parks the
// bundle instead of retrying it.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	var env Envelope
	if err := httpx.Decode(r, &env); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if env.SiteID == "" {
		env.SiteID = siteID
	}
	if env.SiteID != siteID {
		httpx.Error(w, http.StatusBadRequest, "body site_id does not match URL")
		return
	}

	result, err := h.store.Submit(r.Context(), &env)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			status := http.StatusConflict
			if rej.Reason == ReasonBadEnvelope {
				status = http.StatusBadRequest
			}
			metrics.EvidenceRejected(rej.Reason)
			log.Printf("[chain] %s: bundle rejected (%s): %s", siteID, rej.Reason, rej.Detail)
			httpx.Error(w, status, rej.Error())
			return
		}
		log.Printf("[chain] %s: submit failed: %v", siteID, err)
		httpx.Error(w, http.StatusInternalServerError, "evidence submit failed")
		return
	}

	metrics.EvidenceAccepted()
	log.Printf("[chain] %s: bundle %s accepted at position %d", siteID, result.BundleID, result.ChainPosition)
	httpx.WriteJSON(w, http.StatusCreated, result)
}

// VerifyChain handles GET /api/evidence/sites/{siteID}/verify.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	result, err := h.store.Verify(r.Context(), siteID)
	if err != nil {
		log.Printf("[chain] %s: verify failed: %v", siteID, err)
		httpx.Error(w, http.StatusInternalServerError, "chain verification failed")
		return
	}

	metrics.SetChainIntact(siteID, result.Status == "ok")
	if result.Status != "ok" {
		log.Printf("[chain] %s: chain broken at position %d (%s)",
			siteID, result.Fault.ChainPosition, result.Fault.Reason)
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// Bundles handles GET /api/evidence/sites/{siteID}/bundles?limit=N.
func (h *Handler) Bundles(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	bundles, err := h.store.ListBundles(r.Context(), siteID, limit)
	if err != nil {
		log.Printf("[chain] %s: list bundles failed: %v", siteID, err)
		httpx.Error(w, http.StatusInternalServerError, "list bundles failed")
		return
	}
	if bundles == nil {
		bundles = []BundleMeta{}
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"site_id": siteID,
		"count":   len(bundles),
		"bundles": bundles,
	})
}

// PublicKey handles GET /api/evidence/public-key.
func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"public_key": h.serverPublicKey,
		"algorithm":  "ed25519",
	})
}
