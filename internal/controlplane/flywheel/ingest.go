package flywheel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
)

// Execution is one reported L2 remediation outcome.
type Execution struct {
	ExecutionID      string  `json:"execution_id"`
	IncidentID       string  `json:"incident_id"`
	ApplianceID      string  `json:"appliance_id"`
	RunbookID        string  `json:"runbook_id"`
	Hostname         string  `json:"hostname"`
	IncidentType     string  `json:"incident_type"`
	Action           string  `json:"action"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Success          bool    `json:"success"`
	Status           string  `json:"status"`
	Confidence       float64 `json:"confidence"`
	ResolutionLevel  string  `json:"resolution_level"`
	ErrorMessage     string  `json:"error_message"`
	CostUSD          float64 `json:"cost_usd"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	Reasoning        string  `json:"reasoning"`
	PatternSignature string  `json:"pattern_signature"`
}

// executionReport is the envelope appliances POST.
type executionReport struct {
	SiteID     string    `json:"site_id"`
	Execution  Execution `json:"execution"`
	ReportedAt string    `json:"reported_at"`
}

// InsertExecution stores one execution row. Appliances retry telemetry
// on reconnect, so the unique execution_id makes re-delivery a no-op.
func (s *Store) InsertExecution(ctx context.Context, siteID string, e Execution, reportedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO l2_executions (
			execution_id, incident_id, appliance_id, site_id, runbook_id,
			hostname, incident_type, action, duration_seconds, success,
			status, confidence, resolution_level, error_message,
			cost_usd, input_tokens, output_tokens, reasoning,
			pattern_signature, reported_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (execution_id) DO NOTHING`,
		e.ExecutionID, e.IncidentID, e.ApplianceID, siteID, nullIfEmpty(e.RunbookID),
		e.Hostname, e.IncidentType, e.Action, e.DurationSeconds, e.Success,
		e.Status, e.Confidence, defaultLevel(e.ResolutionLevel), nullIfEmpty(e.ErrorMessage),
		e.CostUSD, e.InputTokens, e.OutputTokens, nullIfEmpty(e.Reasoning),
		nullIfEmpty(e.PatternSignature), reportedAt)
	if err != nil {
		return fmt.Errorf("flywheel: insert execution: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func defaultLevel(s string) string {
	if s == "" {
		return "L2"
	}
	return s
}

// ExecutionSink stores reported executions; *Store in production.
type ExecutionSink interface {
	InsertExecution(ctx context.Context, siteID string, e Execution, reportedAt time.Time) error
}

// IngestHandler serves POST /api/agent/executions.
type IngestHandler struct {
	sink ExecutionSink
}

// NewIngestHandler creates the telemetry ingest handler.
func NewIngestHandler(sink ExecutionSink) *IngestHandler {
	return &IngestHandler{sink: sink}
}

// ServeHTTP accepts one execution report. Appliances fire and forget;
// the response body is a bare status so a slow insert never stalls the
// healing pipeline on their side.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var report executionReport
	if err := httpx.Decode(r, &report); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if report.SiteID == "" || report.Execution.ExecutionID == "" {
		httpx.Error(w, http.StatusBadRequest, "site_id and execution.execution_id are required")
		return
	}

	reportedAt, err := time.Parse(time.RFC3339, report.ReportedAt)
	if err != nil {
		reportedAt = time.Now().UTC()
	}

	if err := h.sink.InsertExecution(r.Context(), report.SiteID, report.Execution, reportedAt); err != nil {
		log.Printf("[flywheel] ingest execution %s failed: %v", report.Execution.ExecutionID, err)
		httpx.Error(w, http.StatusInternalServerError, "store execution failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
