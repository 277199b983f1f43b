package sites

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
)

// maxReportBytes caps discovery report bodies. A full enumeration of a
// large site lands well under 1 MB.
const maxReportBytes = 4 << 20

// SiteStore is what the handler needs from the provisioning store.
type SiteStore interface {
	MintCode(ctx context.Context, p MintParams) (*MintedCode, error)
	Claim(ctx context.Context, p ClaimParams) (*ClaimResult, error)
	StoreDomainCredential(ctx context.Context, siteID string, p DomainCredentialParams) (int, error)
	ListDomainCredentials(ctx context.Context, siteID string) ([]DomainCredential, error)
	RecordDiscovery(ctx context.Context, kind, applianceID, siteID string, payload []byte) error
}

// Handler serves provisioning, domain credentials and discovery ingest.
type Handler struct {
	store    SiteStore
	validate *validator.Validate
}

// NewHandler creates a Handler.
func NewHandler(store SiteStore) *Handler {
	return &Handler{store: store, validate: validator.New()}
}

// ProvisionRoutes is mounted at /api/provision. The claim route is the
// one API surface reachable without a Bearer token: the appliance has
// nothing to present until the claim succeeds.
func (h *Handler) ProvisionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/claim", h.Claim)
	r.Post("/codes", h.MintCode)
	return r
}

// SiteRoutes is mounted at /api/sites.
func (h *Handler) SiteRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{siteID}/domain-credentials", h.ListDomainCredentials)
	r.Post("/{siteID}/domain-credentials", h.StoreDomainCredential)
	return r
}

// ApplianceRoutes is mounted at /api/appliances alongside checkin.
func (h *Handler) ApplianceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/domain-discovered", h.DomainDiscovered)
	r.Post("/enumeration-results", h.EnumerationResults)
	return r
}

type mintCodeRequest struct {
	SiteName string `json:"site_name" validate:"required,min=2,max=64"`
	TTLHours int    `json:"ttl_hours" validate:"omitempty,min=1,max=720"`
}

// MintCode handles POST /api/provision/codes.
func (h *Handler) MintCode(w http.ResponseWriter, r *http.Request) {
	var req mintCodeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	minted, err := h.store.MintCode(r.Context(), MintParams{
		SiteName: req.SiteName,
		TTL:      time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		log.Printf("[sites] mint code failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "mint code failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, minted)
}

type claimRequest struct {
	Code       string `json:"code" validate:"required"`
	Hostname   string `json:"hostname" validate:"required"`
	MACAddress string `json:"mac_address" validate:"required"`
}

// Claim handles POST /api/provision/claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.store.Claim(r.Context(), ClaimParams{
		Code:       req.Code,
		Hostname:   req.Hostname,
		MACAddress: req.MACAddress,
	})
	switch {
	case errors.Is(err, ErrCodeUnknown):
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrCodeClaimed):
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrCodeExpired):
		httpx.Error(w, http.StatusGone, err.Error())
		return
	case err != nil:
		log.Printf("[sites] claim failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "claim failed")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, result)
}

type domainCredentialRequest struct {
	CredentialName   string `json:"credential_name" validate:"omitempty,max=100"`
	DomainName       string `json:"domain_name" validate:"required,fqdn"`
	DomainController string `json:"domain_controller" validate:"required,hostname_rfc1123|ip"`
	Username         string `json:"username" validate:"required"`
	Password         string `json:"password" validate:"required"`
	UseSSL           bool   `json:"use_ssl"`
}

// StoreDomainCredential handles POST /api/sites/{siteID}/domain-credentials.
func (h *Handler) StoreDomainCredential(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	var req domainCredentialRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	flagged, err := h.store.StoreDomainCredential(r.Context(), siteID, DomainCredentialParams{
		CredentialName:   req.CredentialName,
		DomainName:       req.DomainName,
		DomainController: req.DomainController,
		Username:         req.Username,
		Password:         req.Password,
		UseSSL:           req.UseSSL,
	})
	if errors.Is(err, ErrSiteUnknown) {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("[sites] store credential failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "store credential failed")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"status":             "stored",
		"appliances_flagged": flagged,
	})
}

// ListDomainCredentials handles GET /api/sites/{siteID}/domain-credentials.
// The appliance pulls these when an enumeration order arrives without
// checkin-delivered targets.
func (h *Handler) ListDomainCredentials(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	creds, err := h.store.ListDomainCredentials(r.Context(), siteID)
	if err != nil {
		log.Printf("[sites] list credentials failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "list credentials failed")
		return
	}
	if creds == nil {
		creds = []DomainCredential{}
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"site_id":     siteID,
		"credentials": creds,
	})
}

// reportEnvelope is the part of a discovery report the server inspects;
// the rest of the body is stored verbatim.
type reportEnvelope struct {
	ApplianceID string `json:"appliance_id" validate:"required"`
	SiteID      string `json:"site_id" validate:"required"`
}

// DomainDiscovered handles POST /api/appliances/domain-discovered.
func (h *Handler) DomainDiscovered(w http.ResponseWriter, r *http.Request) {
	h.recordReport(w, r, "domain")
}

// EnumerationResults handles POST /api/appliances/enumeration-results.
func (h *Handler) EnumerationResults(w http.ResponseWriter, r *http.Request) {
	h.recordReport(w, r, "enumeration")
}

func (h *Handler) recordReport(w http.ResponseWriter, r *http.Request, kind string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "report too large")
		return
	}

	var env reportEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&env); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.RecordDiscovery(r.Context(), kind, env.ApplianceID, env.SiteID, body); err != nil {
		log.Printf("[sites] record %s report failed: %v", kind, err)
		httpx.Error(w, http.StatusInternalServerError, "record report failed")
		return
	}

	log.Printf("[sites] %s report recorded for %s", kind, env.ApplianceID)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}
