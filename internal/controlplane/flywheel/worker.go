package flywheel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"gopkg.in/yaml.v3"
)

// OrderCreator is the slice of the order store the worker pushes
// promotions through.
type OrderCreator interface {
	SiteIDs(ctx context.Context) ([]string, error)
	CreateForSite(ctx context.Context, siteID, orderType string, params map[string]interface{}, priority int) (int, error)
}

// Config bounds promotion. Zero values fall back to the fleet defaults
// (10 executions, 0.8 success rate, 10 minute scan).
type Config struct {
	Interval       time.Duration
	MinExecutions  int
	MinSuccessRate float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.MinExecutions < 1 {
		c.MinExecutions = 10
	}
	if c.MinSuccessRate <= 0 || c.MinSuccessRate > 1 {
		c.MinSuccessRate = 0.8
	}
	return c
}

// Worker scans execution telemetry and promotes stable patterns.
type Worker struct {
	store  *Store
	orders OrderCreator
	cfg    Config
}

// NewWorker builds a promotion worker.
func NewWorker(store *Store, orders OrderCreator, cfg Config) *Worker {
	return &Worker{store: store, orders: orders, cfg: cfg.withDefaults()}
}

// Run scans on the configured interval until ctx is cancelled. One pass
// runs at startup so a restarted control plane does not sit on eligible
// patterns for a full interval.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	candidates, err := w.store.Candidates(ctx, w.cfg.MinExecutions)
	if err != nil {
		log.Printf("[flywheel] candidate scan failed: %v", err)
		return
	}

	for _, c := range candidates {
		ok, reason := Evaluate(c, w.cfg.MinSuccessRate)
		if !ok {
			log.Printf("[flywheel] pattern %s not promoted: %s (%d execs, %.0f%% success)",
				c.PatternSignature, reason, c.Executions, c.SuccessRate()*100)
			continue
		}
		if err := w.promote(ctx, c); err != nil {
			log.Printf("[flywheel] promote %s failed: %v", c.PatternSignature, err)
		}
	}
}

// Evaluate applies the promotion gate to a candidate: enough successes
// and a planner that settled on one action. The execution floor is
// enforced by the candidate query; it is re-checked here so the gate is
// self-contained under test.
func Evaluate(c Candidate, minSuccessRate float64) (ok bool, reason string) {
	if c.Executions < 1 {
		return false, "no executions"
	}
	if c.DistinctActions != 1 {
		return false, fmt.Sprintf("unstable action (%d distinct)", c.DistinctActions)
	}
	if c.SuccessRate() < minSuccessRate {
		return false, fmt.Sprintf("success rate %.2f below %.2f", c.SuccessRate(), minSuccessRate)
	}
	if c.Action == "" || c.IncidentType == "" {
		return false, "telemetry missing action or incident type"
	}
	if c.Action != "escalate" && c.RunbookID == "" {
		return false, "no runbook id to promote"
	}
	return true, ""
}

func (w *Worker) promote(ctx context.Context, c Candidate) error {
	rule := GenerateRule(c)

	promoted, err := w.store.Promote(ctx, rule.ID, c, rule)
	if err != nil {
		return err
	}
	if !promoted {
		// Another pass won the race; the fleet already has the rule.
		return nil
	}

	log.Printf("[flywheel] promoted pattern %s as rule %s (%d execs, %.0f%% success)",
		c.PatternSignature, rule.ID, c.Executions, c.SuccessRate()*100)

	ruleYAML, err := yaml.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule yaml: %w", err)
	}

	siteIDs, err := w.orders.SiteIDs(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	params := map[string]interface{}{
		"rule_id":   rule.ID,
		"rule_yaml": string(ruleYAML),
	}
	for _, siteID := range siteIDs {
		if _, err := w.orders.CreateForSite(ctx, siteID, "sync_promoted_rule", params, 3); err != nil {
			log.Printf("[flywheel] push rule %s to site %s failed: %v", rule.ID, siteID, err)
		}
	}
	return nil
}

// PromotedRule is the L1 rule shape the appliance processor validates
// before writing it into the rules directory.
type PromotedRule struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Conditions  []RuleCondition `json:"conditions" yaml:"conditions"`
	Action      string          `json:"action" yaml:"action"`
	RunbookID   string          `json:"runbook_id,omitempty" yaml:"runbook_id,omitempty"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Priority    int             `json:"priority" yaml:"priority"`
	Source      string          `json:"source" yaml:"source"`
}

// RuleCondition mirrors the appliance rule condition shape.
type RuleCondition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// GenerateRule builds the deterministic rule for a candidate. The rule
// id hashes the pattern signature so re-promotion after a rules wipe
// regenerates the identical id, and the conditions mirror the builtin
// rule shape: exact check type plus drift detected. Planner verbs such
// as restart_service collapse into execute_runbook against the runbook
// the planner kept choosing; only a stable escalate stays an escalate.
func GenerateRule(c Candidate) PromotedRule {
	sum := sha256.Sum256([]byte(c.PatternSignature))
	id := "L1-SYN-" + hex.EncodeToString(sum[:])[:8]

	action, runbookID := "execute_runbook", c.RunbookID
	if c.Action == "escalate" {
		action, runbookID = "escalate", ""
	}

	return PromotedRule{
		ID:          id,
		Name:        "Promoted: " + c.IncidentType + " via " + c.Action,
		Description: fmt.Sprintf("Promoted from %d L2 executions at %.0f%% success", c.Executions, c.SuccessRate()*100),
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: "eq", Value: c.IncidentType},
			{Field: "drift_detected", Operator: "eq", Value: true},
		},
		Action:    action,
		RunbookID: runbookID,
		Enabled:   true,
		Priority:  10,
		Source:    "synced",
	}
}
