// Package flywheel turns L2 execution history into synced L1 rules.
//
// Appliances report every planner-driven remediation to the control
// plane. When a pattern signature has accumulated enough automated
// executions at a high enough success rate, and the planner kept
// recommending the same action, the worker generates a deterministic
// rule from the telemetry and pushes it to every appliance as a signed
// sync_promoted_rule order. Built-in rules are never touched; promoted
// rules land in the synced source, which matches last.
package flywheel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianmsp/fleet/internal/controlplane/metrics"
)

// Candidate is one pattern signature eligible for evaluation. The sample
// fields come from the most recent successful execution of the pattern.
type Candidate struct {
	PatternSignature string
	Executions       int
	Successes        int
	DistinctActions  int
	Action           string
	IncidentType     string
	RunbookID        string
	LastSeen         time.Time
}

// SuccessRate is successes over executions; zero executions is zero.
func (c Candidate) SuccessRate() float64 {
	if c.Executions == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Executions)
}

// Store reads execution telemetry and records promotions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires the flywheel store to the control-plane database.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Candidates returns pattern signatures with at least minExecutions L2
// executions that have not already been promoted. Evaluation of success
// rate and action stability happens in the worker so a rejected pattern
// still shows up in logs with its numbers.
func (s *Store) Candidates(ctx context.Context, minExecutions int) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.pattern_signature,
		       COUNT(*) AS executions,
		       COUNT(*) FILTER (WHERE e.success) AS successes,
		       COUNT(DISTINCT e.action) AS distinct_actions,
		       MAX(e.action) AS action,
		       MAX(e.incident_type) AS incident_type,
		       COALESCE(MAX(e.runbook_id), '') AS runbook_id,
		       MAX(e.reported_at) AS last_seen
		FROM l2_executions e
		WHERE e.pattern_signature IS NOT NULL
		  AND e.resolution_level = 'L2'
		  AND NOT EXISTS (
		      SELECT 1 FROM synced_rules r
		      WHERE r.pattern_signature = e.pattern_signature
		  )
		GROUP BY e.pattern_signature
		HAVING COUNT(*) >= $1
		ORDER BY COUNT(*) DESC`,
		minExecutions)
	if err != nil {
		return nil, fmt.Errorf("flywheel: query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.PatternSignature, &c.Executions, &c.Successes,
			&c.DistinctActions, &c.Action, &c.IncidentType, &c.RunbookID, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("flywheel: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Promote records a promoted rule. The unique constraint on
// pattern_signature makes promotion idempotent: two workers racing on
// the same pattern produce one row, and the loser reports promoted=false.
func (s *Store) Promote(ctx context.Context, ruleID string, c Candidate, rule interface{}) (bool, error) {
	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return false, fmt.Errorf("flywheel: marshal rule: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO synced_rules (rule_id, pattern_signature, rule, executions, success_rate)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pattern_signature) DO NOTHING`,
		ruleID, c.PatternSignature, ruleJSON, c.Executions, c.SuccessRate())
	if err != nil {
		return false, fmt.Errorf("flywheel: insert synced rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	metrics.RulePromoted()
	return true, nil
}

// EnabledRules returns every enabled synced rule as raw JSON for the
// signed rules bundle appliances download on sync_rules.
func (s *Store) EnabledRules(ctx context.Context) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule FROM synced_rules
		WHERE enabled
		ORDER BY promoted_at`)
	if err != nil {
		return nil, fmt.Errorf("flywheel: query synced rules: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("flywheel: scan synced rule: %w", err)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}
