// Package notify delivers incident lifecycle events: drift findings and L3
// escalations go to the control plane dashboard, and escalations additionally
// page the operator Slack channel when a webhook is configured.
//
// Every method is fire-and-forget. Healing must never block or fail because
// the dashboard or Slack is down, so errors are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Escalation is an incident handed to a human operator.
type Escalation struct {
	SiteID        string
	IncidentID    string
	HostID        string
	IncidentType  string
	Severity      string
	Reason        string
	Expected      string
	Actual        string
	Platform      string
	HIPAAControls []string
}

// Notifier posts incidents to the control plane and pages Slack on
// escalations.
type Notifier struct {
	endpoint   string
	apiKey     string
	siteID     string
	webhookURL string // Slack incoming webhook; empty disables paging
	client     *http.Client
}

func New(endpoint, apiKey, siteID, slackWebhookURL string) *Notifier {
	return &Notifier{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		siteID:     siteID,
		webhookURL: slackWebhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// incidentPayload matches the control plane's incident ingest model.
type incidentPayload struct {
	SiteID        string                 `json:"site_id"`
	HostID        string                 `json:"host_id"`
	IncidentType  string                 `json:"incident_type"`
	Severity      string                 `json:"severity"`
	CheckType     string                 `json:"check_type,omitempty"`
	Details       map[string]interface{} `json:"details"`
	PreState      map[string]interface{} `json:"pre_state,omitempty"`
	HIPAAControls []string               `json:"hipaa_controls,omitempty"`
}

// ReportDrift records a drift finding in the dashboard incidents table.
// Called as `go notifier.ReportDrift(...)`.
func (n *Notifier) ReportDrift(hostname, checkType, expected, actual, hipaaControl, severity, platform string) {
	if n == nil {
		return
	}

	var hipaaControls []string
	if hipaaControl != "" {
		hipaaControls = []string{hipaaControl}
	}

	n.postIncident(incidentPayload{
		SiteID:       n.siteID,
		HostID:       hostname,
		IncidentType: checkType,
		Severity:     severity,
		CheckType:    checkType,
		Details: map[string]interface{}{
			"drift_detected": true,
			"expected":       expected,
			"actual":         actual,
			"platform":       platform,
			"source":         "appliance-daemon",
			"message":        "Drift detected: " + checkType,
		},
		PreState: map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
		HIPAAControls: hipaaControls,
	})
}

// Escalate records an L3 escalation in the dashboard and pages the operator
// channel. Called as `go notifier.Escalate(esc)`.
func (n *Notifier) Escalate(esc Escalation) {
	if n == nil {
		return
	}

	if esc.SiteID == "" {
		esc.SiteID = n.siteID
	}

	n.postIncident(incidentPayload{
		SiteID:       esc.SiteID,
		HostID:       esc.HostID,
		IncidentType: esc.IncidentType,
		Severity:     esc.Severity,
		CheckType:    esc.IncidentType,
		Details: map[string]interface{}{
			"escalated":   true,
			"incident_id": esc.IncidentID,
			"reason":      esc.Reason,
			"expected":    esc.Expected,
			"actual":      esc.Actual,
			"platform":    esc.Platform,
			"source":      "appliance-daemon",
			"message":     "L3 escalation: " + esc.IncidentType,
		},
		HIPAAControls: esc.HIPAAControls,
	})

	n.pageSlack(esc)
}

// ReportHealed marks an incident resolved after a successful remediation.
// resolutionTier is "L1" or "L2"; ruleID identifies the rule or runbook.
func (n *Notifier) ReportHealed(hostname, checkType, resolutionTier, ruleID string) {
	if n == nil {
		return
	}

	payload := map[string]interface{}{
		"site_id":         n.siteID,
		"host_id":         hostname,
		"check_type":      checkType,
		"resolution_tier": resolutionTier,
		"runbook_id":      ruleID,
		"status":          "resolved",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.post("/api/incidents/resolve", body, hostname+"/"+checkType)
}

func (n *Notifier) postIncident(payload incidentPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[notify] Marshal error: %v", err)
		return
	}
	n.post("/api/incidents", body, payload.HostID+"/"+payload.IncidentType)
}

func (n *Notifier) post(path string, body []byte, what string) {
	req, err := http.NewRequest(http.MethodPost, n.endpoint+path, bytes.NewReader(body))
	if err != nil {
		log.Printf("[notify] Request error: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[notify] POST %s failed: %v", path, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("[notify] POST %s returned %d for %s", path, resp.StatusCode, what)
	}
}

// pageSlack posts the escalation to the operator channel.
func (n *Notifier) pageSlack(esc Escalation) {
	if n.webhookURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("Escalation: %s on %s", esc.IncidentType, esc.HostID),
		Attachments: []slack.Attachment{
			{
				Color: severityColor(esc.Severity),
				Title: fmt.Sprintf("%s needs operator attention", esc.IncidentType),
				Text:  esc.Reason,
				Fields: []slack.AttachmentField{
					{Title: "Site", Value: esc.SiteID, Short: true},
					{Title: "Host", Value: esc.HostID, Short: true},
					{Title: "Severity", Value: esc.Severity, Short: true},
					{Title: "HIPAA", Value: strings.Join(esc.HIPAAControls, ", "), Short: true},
					{Title: "Expected", Value: esc.Expected, Short: false},
					{Title: "Actual", Value: esc.Actual, Short: false},
				},
				Footer: "Meridian Fleet",
				Ts:     json.Number(fmt.Sprintf("%d", time.Now().Unix())),
			},
		},
	}

	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		log.Printf("[notify] Slack webhook failed: %v", err)
		return
	}
	log.Printf("[notify] Paged operator channel: %s on %s", esc.IncidentType, esc.HostID)
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "danger"
	case "high":
		return "warning"
	default:
		return "#439fe0"
	}
}
