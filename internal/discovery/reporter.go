package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Reporter pushes discovery results to the control plane so the partner
// dashboard shows the customer environment without manual entry.
type Reporter struct {
	endpoint    string // base API URL, no trailing slash
	token       string
	applianceID string
	siteID      string
	client      *http.Client
}

// NewReporter builds a reporter authenticated with the appliance's Bearer
// token.
func NewReporter(endpoint, token, applianceID, siteID string) *Reporter {
	return &Reporter{
		endpoint:    endpoint,
		token:       token,
		applianceID: applianceID,
		siteID:      siteID,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

// ReportDomain sends a discovered AD domain to the control plane.
func (r *Reporter) ReportDomain(ctx context.Context, domain *DiscoveredDomain) error {
	if r == nil || domain == nil {
		return nil
	}

	payload := struct {
		ApplianceID string `json:"appliance_id"`
		SiteID      string `json:"site_id"`
		*DiscoveredDomain
	}{
		ApplianceID:      r.applianceID,
		SiteID:           r.siteID,
		DiscoveredDomain: domain,
	}

	if err := r.post(ctx, "/api/appliances/domain-discovered", payload); err != nil {
		return err
	}
	log.Printf("[discovery] Reported domain %s (%s) to control plane",
		domain.DomainName, domain.DiscoveryMethod)
	return nil
}

// ReportEnumeration sends an enumeration run to the control plane.
func (r *Reporter) ReportEnumeration(ctx context.Context, result *EnumerationResult) error {
	if r == nil || result == nil {
		return nil
	}

	payload := struct {
		ApplianceID string `json:"appliance_id"`
		SiteID      string `json:"site_id"`
		*EnumerationResult
	}{
		ApplianceID:       r.applianceID,
		SiteID:            r.siteID,
		EnumerationResult: result,
	}

	if err := r.post(ctx, "/api/appliances/enumeration-results", payload); err != nil {
		return err
	}
	log.Printf("[discovery] Reported enumeration of %d hosts to control plane", result.TotalFound)
	return nil
}

func (r *Reporter) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s returned %d", path, resp.StatusCode)
	}
	return nil
}
