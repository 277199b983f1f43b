package flywheel

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
)

// RulesSource lists the enabled synced rules for bundle assembly.
type RulesSource interface {
	EnabledRules(ctx context.Context) ([]json.RawMessage, error)
}

// BundleSigner signs the rules array and exposes the key appliances pin.
type BundleSigner interface {
	SignRules(rules interface{}) (string, error)
	PublicKeyHex() string
}

// Handler serves the signed L1 rules bundle appliances download on a
// sync_rules order.
type Handler struct {
	rules  RulesSource
	signer BundleSigner
}

// NewHandler creates the rules bundle handler.
func NewHandler(rules RulesSource, signer BundleSigner) *Handler {
	return &Handler{rules: rules, signer: signer}
}

// L1Rules handles GET /api/sites/{siteID}/l1-rules. The bundle is
// identical for every site today; the site scoping keeps the URL stable
// if per-site rules arrive later. The signature covers the canonical
// JSON of the rules array, which is what the appliance engine verifies
// after decoding the bundle.
func (h *Handler) L1Rules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.EnabledRules(r.Context())
	if err != nil {
		log.Printf("[flywheel] list rules failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "list rules failed")
		return
	}
	if rules == nil {
		rules = []json.RawMessage{}
	}

	sig, err := h.signer.SignRules(rules)
	if err != nil {
		log.Printf("[flywheel] sign rules failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "sign rules failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules":             rules,
		"signature":         sig,
		"server_public_key": h.signer.PublicKeyHex(),
	})
}
