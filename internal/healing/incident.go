package healing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Terminal incident outcomes. Every incident ends in exactly one.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeReverted = "reverted" // remediation verified bad and rolled back
	OutcomeDeferred = "deferred" // guard refused: breaker open, window closed, in flight
	OutcomeAlert    = "alert"    // escalated to a human
)

// ActionTaken records one remediation attempt against an incident.
type ActionTaken struct {
	Layer       string                 `json:"layer"` // l1, l2 or l3
	Action      string                 `json:"action"`
	RuleID      string                 `json:"rule_id,omitempty"`
	RunbookID   string                 `json:"runbook_id,omitempty"`
	StartedAt   string                 `json:"started_at"`
	CompletedAt string                 `json:"completed_at,omitempty"`
	Success     bool                   `json:"success"`
	PreState    map[string]interface{} `json:"pre_state,omitempty"` // detect-phase snapshot, rollback target
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Incident is one drift finding being worked by the healing pipeline.
type Incident struct {
	ID               string                 `json:"id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	IncidentType     string                 `json:"incident_type"`
	Severity         string                 `json:"severity"`
	RawData          map[string]interface{} `json:"raw_data"`
	PatternSignature string                 `json:"pattern_signature"`
	CreatedAt        string                 `json:"created_at"`
	Actions          []ActionTaken          `json:"actions,omitempty"`
	Outcome          string                 `json:"outcome,omitempty"`
}

// NewIncident builds an incident from a drift finding. It assigns a UUID
// and computes the pattern signature from the finding data.
func NewIncident(siteID, hostID, incidentType, severity string, rawData map[string]interface{}) *Incident {
	if rawData == nil {
		rawData = map[string]interface{}{}
	}
	return &Incident{
		ID:               uuid.NewString(),
		SiteID:           siteID,
		HostID:           hostID,
		IncidentType:     incidentType,
		Severity:         severity,
		RawData:          rawData,
		PatternSignature: PatternSignature(incidentType, rawData),
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
}

// Record appends one attempt to the incident's action log.
func (i *Incident) Record(a ActionTaken) {
	i.Actions = append(i.Actions, a)
}

// PatternSignature produces a deterministic grouping key for an incident.
// Identical problems must hash identically across sites, so nothing site-
// or host-specific goes in: the check type, the host class, and the
// normalized expected/actual observables only.
func PatternSignature(incidentType string, data map[string]interface{}) string {
	hostClass := strOrDefault(data, "host_class", "unknown")
	expected := strings.ToLower(strings.TrimSpace(strOrDefault(data, "expected", "")))
	actual := strings.ToLower(strings.TrimSpace(strOrDefault(data, "actual", "")))

	sum := sha256.Sum256([]byte(incidentType + "\x00" + hostClass + "\x00" + expected + "\x00" + actual))
	return fmt.Sprintf("%s:%s:%s", incidentType, hostClass, hex.EncodeToString(sum[:])[:16])
}
