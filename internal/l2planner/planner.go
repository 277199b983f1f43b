package l2planner

import (
	"fmt"
	"log"
	"time"

	"github.com/meridianmsp/fleet/internal/l2bridge"
)

// Bridge is the planner's view of the L2 sidecar connection. Satisfied by
// *l2bridge.Client.
type Bridge interface {
	PlanWithRetry(incident *l2bridge.Incident, maxRetries int) (*l2bridge.LLMDecision, error)
	IsConnected() bool
	Close()
}

// PlannerConfig holds configuration for the L2 planner.
type PlannerConfig struct {
	// Sidecar connection
	SocketPath    string // Unix socket of the L2 sidecar
	SocketTimeout time.Duration
	MaxRetries    int // reconnect attempts before giving up

	// Telemetry (the appliance's existing API endpoint + key)
	APIEndpoint string
	APIKey      string
	SiteID      string

	// Budget (local rate limiting on the appliance)
	Budget BudgetConfig

	// Guardrails (local safety checks on the appliance)
	AllowedActions []string // nil = use defaults
}

// DefaultPlannerConfig returns a config with sane defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		SocketPath:    l2bridge.DefaultSocketPath,
		SocketTimeout: 30 * time.Second,
		MaxRetries:    2,
		Budget:        DefaultBudgetConfig(),
	}
}

// Planner wraps the L2 sidecar bridge with the rails that must run on the
// appliance no matter what the sidecar answers: budget enforcement before
// the call, PHI scrubbing before incident data leaves the process, and
// guardrails on the returned decision.
type Planner struct {
	config    PlannerConfig
	bridge    Bridge
	scrubber  *PHIScrubber
	guardrail *Guardrails
	budget    *BudgetTracker
	telemetry *TelemetryReporter
}

// NewPlanner creates a new L2 planner talking to the sidecar socket.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.SocketPath == "" {
		cfg.SocketPath = l2bridge.DefaultSocketPath
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}

	p := &Planner{
		config:    cfg,
		bridge:    l2bridge.NewClient(cfg.SocketPath, cfg.SocketTimeout),
		scrubber:  NewPHIScrubber(),
		guardrail: NewGuardrails(cfg.AllowedActions),
		budget:    NewBudgetTracker(cfg.Budget),
	}

	// Telemetry uses the same control-plane endpoint + key as checkins
	if cfg.APIEndpoint != "" && cfg.APIKey != "" {
		p.telemetry = NewTelemetryReporter(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID)
	}

	return p
}

// IsConnected reports whether the sidecar connection is up.
func (p *Planner) IsConnected() bool {
	return p.bridge.IsConnected()
}

// Plan sends a PHI-scrubbed incident to the L2 sidecar and returns the
// guardrail-checked decision.
// Flow: budget check -> scrub -> sidecar plan -> record cost -> guardrails.
func (p *Planner) Plan(incident *l2bridge.Incident) (*l2bridge.LLMDecision, error) {
	// 1. Budget check (local rate limiting)
	if err := p.budget.CheckBudget(); err != nil {
		return nil, fmt.Errorf("L2 budget: %w", err)
	}

	// 2. Acquire concurrency slot
	release, ok := p.budget.TryAcquire()
	if !ok {
		return nil, fmt.Errorf("L2 concurrency limit reached")
	}
	defer release()

	// 3. PHI scrub the raw data BEFORE it leaves the process
	scrubbed := *incident
	if incident.RawData != nil {
		for k, v := range incident.RawData {
			if str, ok := v.(string); ok {
				if cats := p.scrubber.ScrubReport(str); len(cats) > 0 {
					log.Printf("[l2planner] PHI scrubbed from %s: %v", k, cats)
				}
			}
		}
		scrubbed.RawData = p.scrubber.ScrubMap(incident.RawData)
	}

	// 4. Call the sidecar
	start := time.Now()
	decision, err := p.bridge.PlanWithRetry(&scrubbed, p.config.MaxRetries)
	elapsed := time.Since(start)

	if err != nil {
		return nil, fmt.Errorf("L2 plan (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	log.Printf("[l2planner] Sidecar decision in %v: action=%s confidence=%.2f",
		elapsed.Round(time.Millisecond), decision.RecommendedAction, decision.Confidence)

	// 5. Record the call. Token usage comes back through context_used when
	// the sidecar reports it; a missing count still bumps the hourly counter.
	p.budget.RecordCost(
		intFromContext(decision.ContextUsed, "input_tokens"),
		intFromContext(decision.ContextUsed, "output_tokens"),
	)

	// 6. Apply local guardrails (defense in depth)
	script, _ := decision.ActionParams["script"].(string)
	check := p.guardrail.Check(decision.RecommendedAction, script, decision.Confidence)
	if !check.Allowed {
		log.Printf("[l2planner] Guardrails blocked: %s (category=%s)", check.Reason, check.Category)
		decision.EscalateToL3 = true
		decision.Reasoning = fmt.Sprintf("Guardrails: %s. Original: %s", check.Reason, decision.Reasoning)
	}

	// Add latency to context
	if decision.ContextUsed == nil {
		decision.ContextUsed = make(map[string]interface{})
	}
	decision.ContextUsed["appliance_latency_ms"] = elapsed.Milliseconds()

	return decision, nil
}

// ReportExecution sends an execution outcome to the control plane for the
// data flywheel.
func (p *Planner) ReportExecution(
	incident *l2bridge.Incident,
	decision *l2bridge.LLMDecision,
	success bool,
	execErr string,
	durationMs int64,
) {
	if p.telemetry == nil {
		return
	}

	inputTokens := intFromContext(decision.ContextUsed, "input_tokens")
	outputTokens := intFromContext(decision.ContextUsed, "output_tokens")

	p.telemetry.ReportExecution(incident, decision, success, execErr, durationMs, inputTokens, outputTokens)
}

// SetApplianceID forwards the checkin-assigned appliance id to telemetry.
func (p *Planner) SetApplianceID(id string) {
	if p.telemetry != nil {
		p.telemetry.SetApplianceID(id)
	}
}

// Stats returns current budget statistics.
func (p *Planner) Stats() BudgetStats {
	return p.budget.Stats()
}

// Close tears down the sidecar connection.
func (p *Planner) Close() {
	p.bridge.Close()
}

// intFromContext reads a numeric context_used entry. JSON decoding hands the
// sidecar's numbers back as float64.
func intFromContext(m map[string]interface{}, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// truncate shortens a string to max characters, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
