package healing

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meridianmsp/fleet/internal/l2bridge"
)

// PlanFunc asks L2 for a remediation decision.
type PlanFunc func(inc *Incident) (*l2bridge.LLMDecision, error)

// NotifyFunc delivers an L3 escalation to an operator.
type NotifyFunc func(inc *Incident, reason string)

// ReportFunc posts an L2 execution outcome to the control plane flywheel.
type ReportFunc func(inc *Incident, decision *l2bridge.LLMDecision, outcome string)

// ClassifierConfig wires the classifier's collaborators. Engine and
// Breakers are required; everything else degrades gracefully when nil.
type ClassifierConfig struct {
	Engine   *Engine
	Breakers *BreakerSet
	Flaps    *FlapGuard
	SiteID   string
	Exec     ActionExecutor // runs L2-chosen runbooks; the engine carries its own copy for L1
	PlanL2   PlanFunc
	NotifyL3 NotifyFunc
	ReportL2 ReportFunc
}

// Classifier routes an incident through the healing layers: L1 deterministic
// rules, then the L2 planner, then L3 escalation. Guards run before any
// layer: a bucket already being remediated, a flapping bucket, or an open
// circuit breaker all defer instead of acting.
type Classifier struct {
	engine   *Engine
	breakers *BreakerSet
	flaps    *FlapGuard
	siteID   string
	exec     ActionExecutor
	planL2   PlanFunc
	notifyL3 NotifyFunc
	reportL2 ReportFunc

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{
		engine:   cfg.Engine,
		breakers: cfg.Breakers,
		flaps:    cfg.Flaps,
		siteID:   cfg.SiteID,
		exec:     cfg.Exec,
		planL2:   cfg.PlanL2,
		notifyL3: cfg.NotifyL3,
		reportL2: cfg.ReportL2,
		inFlight: make(map[string]bool),
	}
}

// Classify works one incident to its terminal outcome. It blocks until the
// remediation finishes or a guard defers it; callers run it from the scan
// loop's worker pool.
func (c *Classifier) Classify(inc *Incident) string {
	bucket := bucketKey(inc.HostID, inc.IncidentType)

	if !c.acquire(bucket) {
		log.Printf("[classifier] %s already in flight, deferring incident %s", bucket, inc.ID)
		inc.Outcome = OutcomeDeferred
		return inc.Outcome
	}
	defer c.release(bucket)

	// A finding is a fail observation for the flap guard. The scan loop
	// feeds the pass side.
	if c.flaps != nil {
		st := c.flaps.Observe(inc.HostID, inc.IncidentType, false, time.Now())
		if st.JustTripped {
			c.escalate(inc, fmt.Sprintf("%s flapping on %s, suppressed until %s",
				inc.IncidentType, inc.HostID, st.Until.Format(time.RFC3339)))
			inc.Outcome = OutcomeDeferred
			return inc.Outcome
		}
		if st.Suppressed {
			inc.Outcome = OutcomeDeferred
			return inc.Outcome
		}
	}

	if match := c.engine.Match(inc.ID, inc.IncidentType, inc.Severity, c.matchData(inc)); match != nil {
		return c.runL1(inc, match)
	}

	if c.planL2 != nil {
		if outcome, handled := c.runL2(inc); handled {
			return outcome
		}
	}

	c.escalate(inc, "no deterministic rule matched and L2 planning unavailable")
	inc.Outcome = OutcomeAlert
	return inc.Outcome
}

func (c *Classifier) acquire(bucket string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[bucket] {
		return false
	}
	c.inFlight[bucket] = true
	return true
}

func (c *Classifier) release(bucket string) {
	c.mu.Lock()
	delete(c.inFlight, bucket)
	c.mu.Unlock()
}

// InFlight reports how many buckets are being remediated right now.
func (c *Classifier) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// matchData builds the map rules match against: the finding data plus the
// fields every rule can rely on.
func (c *Classifier) matchData(inc *Incident) map[string]interface{} {
	data := make(map[string]interface{}, len(inc.RawData)+3)
	for k, v := range inc.RawData {
		data[k] = v
	}
	data["check_type"] = inc.IncidentType
	data["host_id"] = inc.HostID
	if _, ok := data["drift_detected"]; !ok {
		data["drift_detected"] = true
	}
	return data
}

func (c *Classifier) runL1(inc *Incident, match *RuleMatch) string {
	if match.Action == ActionEscalate {
		now := time.Now().UTC().Format(time.RFC3339)
		inc.Record(ActionTaken{
			Layer:       "l1",
			Action:      ActionEscalate,
			RuleID:      match.Rule.ID,
			StartedAt:   now,
			CompletedAt: now,
			Success:     true,
		})
		reason := strOrDefault(match.ActionParams, "reason", "rule "+match.Rule.ID+" escalates this check")
		c.escalate(inc, reason)
		inc.Outcome = OutcomeAlert
		return inc.Outcome
	}

	res, err := c.breakers.Execute(inc.HostID, inc.IncidentType, func() (interface{}, error) {
		r := c.engine.Execute(match, c.siteID, inc.HostID)
		// A deferral (window closed) is not a remediation failure and must
		// not trip the breaker. A reverted or failed run must.
		if r.Success || isDeferredResult(r) {
			return r, nil
		}
		return r, fmt.Errorf("rule %s: %s", r.RuleID, r.Error)
	})
	if errors.Is(err, ErrBucketOpen) {
		inc.Record(ActionTaken{
			Layer:     "l1",
			Action:    match.Action,
			RuleID:    match.Rule.ID,
			RunbookID: match.Rule.RunbookID,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
			Error:     ErrBucketOpen.Error(),
		})
		inc.Outcome = OutcomeDeferred
		return inc.Outcome
	}

	r, _ := res.(*ExecutionResult)
	inc.Record(l1Action(r, match))
	inc.Outcome = outcomeFromOutput(r)
	return inc.Outcome
}

func (c *Classifier) runL2(inc *Incident) (string, bool) {
	decision, err := c.planL2(inc)
	if err != nil {
		log.Printf("[classifier] L2 planning failed for %s: %v", inc.ID, err)
		return "", false // fall through to L3
	}

	if !decision.ShouldExecute() {
		reason := decision.Reasoning
		if reason == "" {
			reason = fmt.Sprintf("L2 declined auto-execution (confidence %.2f)", decision.Confidence)
		}
		c.escalate(inc, reason)
		inc.Outcome = OutcomeAlert
		if c.reportL2 != nil {
			c.reportL2(inc, decision, inc.Outcome)
		}
		return inc.Outcome, true
	}

	if c.exec == nil {
		c.escalate(inc, "L2 recommended an action but no executor is wired")
		inc.Outcome = OutcomeAlert
		return inc.Outcome, true
	}

	l2Action := decision.RecommendedAction
	if l2Action == "" {
		l2Action = ActionExecuteRunbook
	}
	params := make(map[string]interface{}, len(decision.ActionParams)+1)
	for k, v := range decision.ActionParams {
		params[k] = v
	}
	if decision.RunbookID != "" {
		params["runbook_id"] = decision.RunbookID
	}

	start := time.Now().UTC()
	var output map[string]interface{}
	res, err := c.breakers.Execute(inc.HostID, inc.IncidentType, func() (interface{}, error) {
		out, execErr := c.exec(l2Action, params, c.siteID, inc.HostID)
		if execErr != nil {
			return out, execErr
		}
		if isDeferredOutput(out) || boolOrDefault(out, "success", false) {
			return out, nil
		}
		return out, fmt.Errorf("runbook %s reported failure", decision.RunbookID)
	})

	action := ActionTaken{
		Layer:     "l2",
		Action:    l2Action,
		RunbookID: decision.RunbookID,
		StartedAt: start.Format(time.RFC3339),
	}

	switch {
	case errors.Is(err, ErrBucketOpen):
		action.Error = ErrBucketOpen.Error()
		inc.Outcome = OutcomeDeferred
	default:
		output, _ = res.(map[string]interface{})
		action.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		action.Output = output
		if pre, ok := output["pre_state"].(map[string]interface{}); ok {
			action.PreState = pre
		}
		if err != nil {
			action.Error = err.Error()
		}
		switch {
		case isDeferredOutput(output):
			inc.Outcome = OutcomeDeferred
		case isRevertedOutput(output):
			inc.Outcome = OutcomeReverted
		case err == nil && boolOrDefault(output, "success", false):
			action.Success = true
			inc.Outcome = OutcomeSuccess
		default:
			inc.Outcome = OutcomeFailed
		}
	}

	inc.Record(action)
	if c.reportL2 != nil {
		c.reportL2(inc, decision, inc.Outcome)
	}
	return inc.Outcome, true
}

func (c *Classifier) escalate(inc *Incident, reason string) {
	now := time.Now().UTC().Format(time.RFC3339)
	inc.Record(ActionTaken{
		Layer:       "l3",
		Action:      "notify",
		StartedAt:   now,
		CompletedAt: now,
		Success:     true,
		Output:      map[string]interface{}{"reason": reason},
	})
	if c.notifyL3 == nil {
		log.Printf("[classifier] L3 escalation (no notifier configured): %s on %s: %s",
			inc.IncidentType, inc.HostID, reason)
		return
	}
	c.notifyL3(inc, reason)
}

// --- Result mapping ---

func l1Action(r *ExecutionResult, match *RuleMatch) ActionTaken {
	a := ActionTaken{
		Layer:     "l1",
		Action:    match.Action,
		RuleID:    match.Rule.ID,
		RunbookID: match.Rule.RunbookID,
	}
	if r == nil {
		return a
	}
	a.StartedAt = r.StartedAt
	a.CompletedAt = r.CompletedAt
	a.Success = r.Success
	a.Error = r.Error
	if out, ok := r.Output.(map[string]interface{}); ok {
		a.Output = out
		if pre, ok := out["pre_state"].(map[string]interface{}); ok {
			a.PreState = pre
		}
	}
	return a
}

func outcomeFromOutput(r *ExecutionResult) string {
	if r == nil {
		return OutcomeFailed
	}
	out, _ := r.Output.(map[string]interface{})
	switch {
	case isDeferredOutput(out):
		return OutcomeDeferred
	case isRevertedOutput(out):
		return OutcomeReverted
	case r.Success:
		return OutcomeSuccess
	}
	return OutcomeFailed
}

func isDeferredResult(r *ExecutionResult) bool {
	out, _ := r.Output.(map[string]interface{})
	return isDeferredOutput(out)
}

func isDeferredOutput(out map[string]interface{}) bool {
	return out != nil && boolOrDefault(out, "deferred", false)
}

func isRevertedOutput(out map[string]interface{}) bool {
	return out != nil && boolOrDefault(out, "reverted", false)
}
