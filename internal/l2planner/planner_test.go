package l2planner

import (
	"errors"
	"strings"
	"testing"

	"github.com/meridianmsp/fleet/internal/l2bridge"
)

// fakeBridge satisfies Bridge without a sidecar socket. It captures the
// incident handed to PlanWithRetry so tests can assert on what leaves the
// planner.
type fakeBridge struct {
	decision  *l2bridge.LLMDecision
	err       error
	connected bool
	received  *l2bridge.Incident
	calls     int
}

func (f *fakeBridge) PlanWithRetry(incident *l2bridge.Incident, maxRetries int) (*l2bridge.LLMDecision, error) {
	f.calls++
	f.received = incident
	if f.err != nil {
		return nil, f.err
	}
	// Hand back a copy so guardrail mutations don't alias the fixture.
	d := *f.decision
	return &d, nil
}

func (f *fakeBridge) IsConnected() bool { return f.connected }
func (f *fakeBridge) Close()            {}

func newTestPlanner(bridge Bridge, budget BudgetConfig) *Planner {
	p := NewPlanner(PlannerConfig{
		SocketPath: "/tmp/unused.sock",
		Budget:     budget,
		SiteID:     "test-site",
	})
	p.bridge = bridge
	return p
}

func TestPlannerEndToEnd(t *testing.T) {
	bridge := &fakeBridge{
		connected: true,
		decision: &l2bridge.LLMDecision{
			IncidentID:        "drift-DC01-firewall-123",
			RecommendedAction: "configure_firewall",
			ActionParams:      map[string]interface{}{"script": "Set-NetFirewallProfile -Profile Domain -Enabled True"},
			Confidence:        0.9,
			Reasoning:         "Firewall is disabled, needs re-enabling",
			RunbookID:         "L2-AUTO-firewall_status",
			ContextUsed:       map[string]interface{}{"input_tokens": float64(500), "output_tokens": float64(200)},
		},
	}
	planner := newTestPlanner(bridge, DefaultBudgetConfig())

	incident := &l2bridge.Incident{
		ID:           "drift-DC01-firewall-123",
		SiteID:       "test-site",
		HostID:       "DC01",
		IncidentType: "firewall_status",
		Severity:     "high",
		CreatedAt:    "2026-02-21T10:00:00Z",
		RawData: map[string]interface{}{
			"check_type":     "firewall_status",
			"drift_detected": true,
			"hostname":       "DC01",
			"ip_address":     "192.168.88.100",
		},
	}

	decision, err := planner.Plan(incident)
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	if decision.RecommendedAction != "configure_firewall" {
		t.Errorf("Wrong action: %s", decision.RecommendedAction)
	}
	if decision.Confidence != 0.9 {
		t.Errorf("Wrong confidence: %f", decision.Confidence)
	}
	if !decision.ShouldExecute() {
		t.Error("Should be auto-executable")
	}
	if decision.EscalateToL3 {
		t.Error("Should not escalate")
	}

	// Budget tracked the call
	stats := planner.Stats()
	if stats.DailySpendUSD <= 0 {
		t.Error("Budget should have recorded spend")
	}
	if stats.HourlyCalls != 1 {
		t.Errorf("Expected 1 hourly call, got %d", stats.HourlyCalls)
	}

	// Latency metadata attached
	if _, ok := decision.ContextUsed["appliance_latency_ms"]; !ok {
		t.Error("Missing appliance_latency_ms in context_used")
	}
}

func TestPlannerScrubsBeforeSend(t *testing.T) {
	bridge := &fakeBridge{
		connected: true,
		decision: &l2bridge.LLMDecision{
			RecommendedAction: "escalate",
			ActionParams:      map[string]interface{}{},
			Confidence:        0.3,
			EscalateToL3:      true,
		},
	}
	planner := newTestPlanner(bridge, DefaultBudgetConfig())

	incident := &l2bridge.Incident{
		ID:           "phi-test",
		IncidentType: "firewall_status",
		HostID:       "DC01",
		SiteID:       "test",
		RawData: map[string]interface{}{
			"ssn_field":    "SSN is 999-88-7777",
			"email_field":  "Contact admin@hospital.com",
			"ip_field":     "Server 192.168.88.100",
			"normal_field": "firewall_status drift",
		},
	}

	planner.Plan(incident)

	if bridge.received == nil {
		t.Fatal("Bridge never received the incident")
	}
	sent := bridge.received.RawData

	ssn, _ := sent["ssn_field"].(string)
	if strings.Contains(ssn, "999-88-7777") {
		t.Error("SSN leaked to sidecar")
	}
	if !strings.Contains(ssn, "[SSN-REDACTED-") {
		t.Errorf("Missing SSN redaction tag: %q", ssn)
	}

	email, _ := sent["email_field"].(string)
	if strings.Contains(email, "admin@hospital.com") {
		t.Error("Email leaked to sidecar")
	}

	// IPs are infrastructure identifiers and must survive
	ip, _ := sent["ip_field"].(string)
	if !strings.Contains(ip, "192.168.88.100") {
		t.Error("IP address was incorrectly scrubbed")
	}

	normal, _ := sent["normal_field"].(string)
	if normal != "firewall_status drift" {
		t.Errorf("Infra data was modified: %q", normal)
	}

	// The caller's incident must not be mutated
	orig, _ := incident.RawData["ssn_field"].(string)
	if orig != "SSN is 999-88-7777" {
		t.Errorf("Caller incident mutated: %q", orig)
	}
}

func TestPlannerGuardrailBlocks(t *testing.T) {
	tests := []struct {
		name     string
		decision *l2bridge.LLMDecision
	}{
		{
			name: "unknown action",
			decision: &l2bridge.LLMDecision{
				RecommendedAction: "format_disk",
				ActionParams:      map[string]interface{}{"script": "mkfs.ext4 /dev/sda"},
				Confidence:        0.95,
			},
		},
		{
			name: "dangerous script",
			decision: &l2bridge.LLMDecision{
				RecommendedAction: "restart_service",
				ActionParams:      map[string]interface{}{"script": "rm -rf / && systemctl restart sshd"},
				Confidence:        0.95,
			},
		},
		{
			name: "low confidence",
			decision: &l2bridge.LLMDecision{
				RecommendedAction: "restart_service",
				ActionParams:      map[string]interface{}{"script": "systemctl restart sshd"},
				Confidence:        0.4,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := &fakeBridge{connected: true, decision: tt.decision}
			planner := newTestPlanner(bridge, DefaultBudgetConfig())

			decision, err := planner.Plan(&l2bridge.Incident{
				ID:           "test-1",
				SiteID:       "test-site",
				HostID:       "host-1",
				IncidentType: "disk_issue",
				Severity:     "high",
				RawData:      map[string]interface{}{},
			})
			if err != nil {
				t.Fatalf("Plan error: %v", err)
			}

			if !decision.EscalateToL3 {
				t.Error("Guardrails should have forced escalation")
			}
			if decision.ShouldExecute() {
				t.Error("Should not auto-execute when guardrails block")
			}
			if !strings.Contains(decision.Reasoning, "Guardrails:") {
				t.Errorf("Reasoning should note the guardrail block: %q", decision.Reasoning)
			}
		})
	}
}

func TestPlannerBudgetExhausted(t *testing.T) {
	bridge := &fakeBridge{connected: true, decision: &l2bridge.LLMDecision{}}
	planner := newTestPlanner(bridge, BudgetConfig{
		DailyBudgetUSD:     0.0001,
		MaxCallsPerHour:    1000,
		MaxConcurrentCalls: 3,
	})

	// Exhaust the budget
	planner.budget.RecordCost(1_000_000, 1_000_000)

	_, err := planner.Plan(&l2bridge.Incident{
		ID:           "test-1",
		IncidentType: "test",
		RawData:      map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("Should fail when budget exhausted")
	}
	if !strings.Contains(err.Error(), "budget") {
		t.Errorf("Error should mention budget: %v", err)
	}
	if bridge.calls != 0 {
		t.Errorf("Sidecar should never be called over budget, got %d calls", bridge.calls)
	}
}

func TestPlannerBridgeError(t *testing.T) {
	bridge := &fakeBridge{connected: false, err: errors.New("dial unix /tmp/unused.sock: no such file")}
	planner := newTestPlanner(bridge, DefaultBudgetConfig())

	_, err := planner.Plan(&l2bridge.Incident{
		ID:           "test-1",
		IncidentType: "test",
		RawData:      map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("Should fail on bridge error")
	}
	if !strings.Contains(err.Error(), "L2 plan") {
		t.Errorf("Error should be wrapped: %v", err)
	}
}

func TestPlannerIsConnected(t *testing.T) {
	p := newTestPlanner(&fakeBridge{connected: true}, DefaultBudgetConfig())
	if !p.IsConnected() {
		t.Error("Should report connected when the bridge is up")
	}

	p.bridge = &fakeBridge{connected: false}
	if p.IsConnected() {
		t.Error("Should report disconnected when the bridge is down")
	}
}

func TestIntFromContext(t *testing.T) {
	tests := []struct {
		name string
		m    map[string]interface{}
		want int
	}{
		{"nil map", nil, 0},
		{"missing key", map[string]interface{}{}, 0},
		{"json float", map[string]interface{}{"input_tokens": float64(512)}, 512},
		{"native int", map[string]interface{}{"input_tokens": 512}, 512},
		{"wrong type", map[string]interface{}{"input_tokens": "512"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := intFromContext(tt.m, "input_tokens"); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if truncate("hello", 10) != "hello" {
		t.Error("Short string should not be truncated")
	}
	if truncate("hello world", 5) != "hello..." {
		t.Errorf("Long string truncation: got %q", truncate("hello world", 5))
	}
	if truncate("", 5) != "" {
		t.Error("Empty string should stay empty")
	}
}

func TestPlannerClose(t *testing.T) {
	p := newTestPlanner(&fakeBridge{}, DefaultBudgetConfig())
	// Should not panic
	p.Close()
}
