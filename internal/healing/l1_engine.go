// Package healing implements the appliance-side healing pipeline: the L1
// deterministic rules engine plus the guards wrapped around it (per-bucket
// circuit breaker, flap suppression, maintenance window) and the classifier
// that routes findings through L1 -> L2 -> L3.
//
// L1 rules come from three sources and match source-major, first match wins:
//  1. Built-in default rules (compiled in, never overridden)
//  2. Site YAML rules (rules directory)
//  3. Synced JSON rules (signed bundles from the control plane)
package healing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meridianmsp/fleet/internal/crypto"
	"gopkg.in/yaml.v3"
)

// MatchOperator defines comparison operators for rule conditions.
type MatchOperator string

const (
	OpEquals    MatchOperator = "eq"
	OpNotEquals MatchOperator = "ne"
	OpIn        MatchOperator = "in"
	OpMatches   MatchOperator = "matches" // anchored regex
)

// Rule actions. Everything else a rule file may carry is rejected at load.
const (
	ActionExecuteRunbook = "execute_runbook"
	ActionEscalate       = "escalate"
)

// Rule sources, in match precedence order.
const (
	SourceBuiltin = "builtin"
	SourceYAML    = "yaml"
	SourceSynced  = "synced"
)

func sourceRank(s string) int {
	switch s {
	case SourceBuiltin:
		return 0
	case SourceYAML:
		return 1
	case SourceSynced:
		return 2
	}
	return 3
}

func validOperator(op MatchOperator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpIn, OpMatches:
		return true
	}
	return false
}

func validAction(action string) bool {
	return action == ActionExecuteRunbook || action == ActionEscalate
}

// RuleCondition is a single condition in a rule.
type RuleCondition struct {
	Field    string        `json:"field" yaml:"field"`
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Value    interface{}   `json:"value" yaml:"value"`
}

// Matches checks if this condition matches the given data. A field that is
// absent from the data never matches, regardless of operator.
func (c *RuleCondition) Matches(data map[string]interface{}) bool {
	actual := getFieldValue(data, c.Field)
	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpIn:
		return valueIn(actual, c.Value)
	case OpMatches:
		pattern := fmt.Sprintf("%v", c.Value)
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	}

	return false
}

// Rule is a deterministic rule for incident handling.
type Rule struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description" yaml:"description"`
	Conditions      []RuleCondition        `json:"conditions" yaml:"conditions"`
	Action          string                 `json:"action" yaml:"action"`
	RunbookID       string                 `json:"runbook_id" yaml:"runbook_id"`
	ActionParams    map[string]interface{} `json:"action_params" yaml:"action_params"`
	HIPAAControls   []string               `json:"hipaa_controls" yaml:"hipaa_controls"`
	SeverityFilter  []string               `json:"severity_filter" yaml:"severity_filter"`
	Enabled         bool                   `json:"enabled" yaml:"enabled"`
	Priority        int                    `json:"priority" yaml:"priority"`
	CooldownSeconds int                    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MinConfidence   float64                `json:"min_confidence,omitempty" yaml:"min_confidence"`
	Source          string                 `json:"source" yaml:"source"`
}

// Matches checks if this rule matches an incident.
func (r *Rule) Matches(incidentType, severity string, data map[string]interface{}) bool {
	if !r.Enabled {
		return false
	}

	if len(r.SeverityFilter) > 0 {
		found := false
		for _, s := range r.SeverityFilter {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// All conditions must match (AND logic)
	for _, cond := range r.Conditions {
		if !cond.Matches(data) {
			return false
		}
	}

	return true
}

// RuleMatch is the result of a successful rule match.
type RuleMatch struct {
	Rule         *Rule
	IncidentID   string
	MatchedAt    string
	Action       string
	ActionParams map[string]interface{}
}

// ExecutionResult is the result of executing a matched rule's action.
type ExecutionResult struct {
	RuleID      string                 `json:"rule_id"`
	IncidentID  string                 `json:"incident_id"`
	Action      string                 `json:"action"`
	StartedAt   string                 `json:"started_at"`
	CompletedAt string                 `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	Success     bool                   `json:"success"`
	Output      interface{}            `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// ActionExecutor is a callback function that executes a healing action.
type ActionExecutor func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error)

// Engine is the L1 deterministic rules engine.
type Engine struct {
	rulesDir       string
	rules          []*Rule
	builtinIDs     map[string]bool
	syncedCache    map[string][]*Rule // filename -> last bundle that verified
	cooldowns      map[string]time.Time
	mu             sync.RWMutex
	actionExecutor ActionExecutor
	verifier       *crypto.OrderVerifier // verifies signed rule bundles
}

// NewEngine creates a new L1 deterministic engine.
func NewEngine(rulesDir string, executor ActionExecutor) *Engine {
	e := &Engine{
		rulesDir:       rulesDir,
		builtinIDs:     make(map[string]bool),
		syncedCache:    make(map[string][]*Rule),
		cooldowns:      make(map[string]time.Time),
		actionExecutor: executor,
		verifier:       crypto.NewOrderVerifier(""),
	}
	e.LoadRules()
	return e
}

// SetServerPublicKey sets the Ed25519 public key for verifying signed rules.
func (e *Engine) SetServerPublicKey(hexKey string) error {
	return e.verifier.SetPublicKey(hexKey)
}

// LoadRules loads all rules from builtins and disk.
func (e *Engine) LoadRules() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = nil
	e.builtinIDs = make(map[string]bool)

	// 1. Built-in rules
	for _, r := range builtinRules() {
		e.builtinIDs[r.ID] = true
		e.rules = append(e.rules, r)
	}

	if e.rulesDir != "" {
		// 2. Site YAML rules
		e.loadYAMLRules(e.rulesDir)

		// 3. Synced JSON rules from the control plane
		e.loadSyncedJSONRules(e.rulesDir)
	}

	// Source-major ordering: every builtin rule is considered before any
	// yaml rule, and every yaml rule before any synced rule. Priority only
	// breaks ties within a source (lower runs first).
	sort.SliceStable(e.rules, func(i, j int) bool {
		ri, rj := sourceRank(e.rules[i].Source), sourceRank(e.rules[j].Source)
		if ri != rj {
			return ri < rj
		}
		return e.rules[i].Priority < e.rules[j].Priority
	})

	log.Printf("[l1] Loaded %d rules", len(e.rules))
}

// ReloadRules reloads rules from disk.
func (e *Engine) ReloadRules() {
	e.LoadRules()
}

// Match finds the first matching rule for an incident.
// Returns nil if no rule matches (escalate to L2).
func (e *Engine) Match(incidentID, incidentType, severity string, data map[string]interface{}) *RuleMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Matches(incidentType, severity, data) {
			continue
		}

		// Check cooldown
		hostID, _ := data["host_id"].(string)
		if hostID == "" {
			hostID = "unknown"
		}
		cooldownKey := rule.ID + ":" + hostID

		if lastExec, ok := e.cooldowns[cooldownKey]; ok {
			elapsed := time.Since(lastExec).Seconds()
			if elapsed < float64(rule.CooldownSeconds) {
				log.Printf("[l1] Rule %s in cooldown (%.0fs < %ds)",
					rule.ID, elapsed, rule.CooldownSeconds)
				continue
			}
		}

		params := make(map[string]interface{}, len(rule.ActionParams)+1)
		for k, v := range rule.ActionParams {
			params[k] = v
		}
		if rule.RunbookID != "" {
			if _, ok := params["runbook_id"]; !ok {
				params["runbook_id"] = rule.RunbookID
			}
		}

		return &RuleMatch{
			Rule:         rule,
			IncidentID:   incidentID,
			MatchedAt:    time.Now().UTC().Format(time.RFC3339),
			Action:       rule.Action,
			ActionParams: params,
		}
	}

	return nil
}

// Execute runs a matched rule's action.
func (e *Engine) Execute(match *RuleMatch, siteID, hostID string) *ExecutionResult {
	start := time.Now().UTC()
	result := &ExecutionResult{
		RuleID:     match.Rule.ID,
		IncidentID: match.IncidentID,
		Action:     match.Action,
		StartedAt:  start.Format(time.RFC3339),
		Params:     match.ActionParams,
	}

	// Update cooldown
	cooldownKey := match.Rule.ID + ":" + hostID
	e.mu.Lock()
	e.cooldowns[cooldownKey] = start
	e.mu.Unlock()

	if e.actionExecutor == nil {
		log.Printf("[l1] No action executor configured, dry run: %s", match.Action)
		result.Output = "DRY_RUN"
		result.Success = true
		result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	output, err := e.actionExecutor(match.Action, match.ActionParams, siteID, hostID)
	if err != nil {
		log.Printf("[l1] Rule execution failed: %v", err)
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	result.Output = output
	if output != nil {
		if s, ok := output["success"]; ok {
			if bv, ok := s.(bool); ok {
				result.Success = bv
			}
		} else {
			result.Success = true
		}
		if e, ok := output["error"]; ok {
			if ev, ok := e.(string); ok {
				result.Error = ev
			}
		}
	} else {
		result.Success = true
	}

	result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	result.DurationMs = time.Since(start).Milliseconds()

	return result
}

// Stats returns statistics about loaded rules.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	bySource := map[string]int{SourceBuiltin: 0, SourceYAML: 0, SourceSynced: 0}
	byAction := map[string]int{}
	enabled := 0

	for _, r := range e.rules {
		bySource[r.Source]++
		byAction[r.Action]++
		if r.Enabled {
			enabled++
		}
	}

	return map[string]interface{}{
		"total_rules":      len(e.rules),
		"enabled_rules":    enabled,
		"by_source":        bySource,
		"by_action":        byAction,
		"active_cooldowns": len(e.cooldowns),
	}
}

// ListRules returns all rules with their details.
func (e *Engine) ListRules() []map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]map[string]interface{}, len(e.rules))
	for i, r := range e.rules {
		result[i] = map[string]interface{}{
			"id":             r.ID,
			"name":           r.Name,
			"description":    r.Description,
			"action":         r.Action,
			"runbook_id":     r.RunbookID,
			"priority":       r.Priority,
			"enabled":        r.Enabled,
			"source":         r.Source,
			"hipaa_controls": r.HIPAAControls,
		}
	}
	return result
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// --- Rule loading helpers ---

func (e *Engine) loadYAMLRules(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	// Sort for deterministic order
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[l1] Failed to read rule file %s: %v", path, err)
			continue
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			log.Printf("[l1] Failed to parse rule file %s: %v", path, err)
			continue
		}

		if rulesRaw, ok := raw["rules"]; ok {
			// Multiple rules in one file
			if rulesList, ok := rulesRaw.([]interface{}); ok {
				for _, rr := range rulesList {
					if rd, ok := rr.(map[string]interface{}); ok {
						e.appendRule(ruleFromMap(rd, SourceYAML), name)
					}
				}
			}
		} else {
			// Single rule
			e.appendRule(ruleFromMap(raw, SourceYAML), name)
		}

		log.Printf("[l1] Loaded rules from %s", name)
	}
}

// appendRule adds a loaded rule unless it is nil or shadows a builtin.
// Builtin rules are authoritative; no disk or sync source may replace one.
func (e *Engine) appendRule(r *Rule, origin string) {
	if r == nil {
		return
	}
	if e.builtinIDs[r.ID] {
		log.Printf("[l1] Rule %s from %s shadows a builtin rule, skipped", r.ID, origin)
		return
	}
	e.rules = append(e.rules, r)
}

func (e *Engine) loadSyncedJSONRules(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	seen := map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := entry.Name()
		seen[name] = true

		rules, err := e.loadSyncedFile(filepath.Join(dir, name))
		if errors.Is(err, errUnsignedWithPinnedKey) {
			// Rules cached before the key was pinned were never
			// verified; they get no keep-last-good grace.
			delete(e.syncedCache, name)
			log.Printf("[l1] SECURITY: synced rules %s rejected (%v), dropping cached unsigned rules", name, err)
			continue
		}
		if err != nil {
			// A verified bundle that later fails to parse or verify
			// never replaces the last one that did.
			prev := e.syncedCache[name]
			log.Printf("[l1] SECURITY: synced rules %s rejected (%v), keeping %d previously applied rules",
				name, err, len(prev))
			rules = prev
		} else {
			e.syncedCache[name] = rules
			log.Printf("[l1] Loaded %d synced rules from %s", len(rules), name)
		}

		for _, r := range rules {
			e.rules = append(e.rules, r)
		}
	}

	// Forget cached bundles whose files were removed.
	for name := range e.syncedCache {
		if !seen[name] {
			delete(e.syncedCache, name)
		}
	}
}

// errUnsignedWithPinnedKey marks a bare-array bundle seen after key
// pinning. Unlike other load errors it also evicts the cached copy.
var errUnsignedWithPinnedKey = errors.New("unsigned rules array rejected, server key is pinned")

// loadSyncedFile parses one synced bundle and verifies its signature when a
// server key is pinned. Returns the rules to apply or an error that leaves
// the previous bundle in effect.
func (e *Engine) loadSyncedFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Wrapped format: {"rules": [...], "signature": hex, "server_public_key": hex}
	var wrapped map[string]interface{}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if _, ok := wrapped["rules"]; ok {
			return e.rulesFromWrapped(path, wrapped)
		}
		return nil, fmt.Errorf("no rules key in bundle")
	}

	// Bare array format predates signing and is only honored before a
	// server key is pinned.
	var rulesList []map[string]interface{}
	if err := json.Unmarshal(data, &rulesList); err == nil {
		if e.verifier.HasKey() {
			return nil, errUnsignedWithPinnedKey
		}
		out := make([]*Rule, 0, len(rulesList))
		for _, rd := range rulesList {
			r := ruleFromSyncedJSON(rd)
			if r == nil || e.builtinIDs[r.ID] {
				continue
			}
			out = append(out, r)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unrecognized rules format")
}

func (e *Engine) rulesFromWrapped(path string, wrapped map[string]interface{}) ([]*Rule, error) {
	sigHex, _ := wrapped["signature"].(string)

	// First contact: pin the key shipped inside the bundle, then require
	// the same bundle to verify against it.
	if !e.verifier.HasKey() {
		if pubKey, ok := wrapped["server_public_key"].(string); ok && pubKey != "" {
			if err := e.verifier.SetPublicKey(pubKey); err != nil {
				return nil, fmt.Errorf("invalid server_public_key: %w", err)
			}
			log.Printf("[l1] Pinned server public key from %s", filepath.Base(path))
		}
	}

	if e.verifier.HasKey() {
		if sigHex == "" {
			return nil, fmt.Errorf("missing signature")
		}
		canonical, err := crypto.CanonicalJSON(wrapped["rules"])
		if err != nil {
			return nil, fmt.Errorf("canonicalize rules: %w", err)
		}
		if err := e.verifier.VerifyRulesBundle(string(canonical), sigHex); err != nil {
			return nil, err
		}

		// Key rotation rides inside a bundle signed by the current key.
		if pubKey, ok := wrapped["server_public_key"].(string); ok &&
			pubKey != "" && pubKey != e.verifier.PublicKeyHex() {
			if err := e.verifier.SetPublicKey(pubKey); err != nil {
				log.Printf("[l1] Failed to rotate server public key: %v", err)
			} else {
				log.Printf("[l1] Rotated server public key from %s", filepath.Base(path))
			}
		}
	}

	arr, ok := wrapped["rules"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("rules key is not a list")
	}
	out := make([]*Rule, 0, len(arr))
	for _, rr := range arr {
		rd, ok := rr.(map[string]interface{})
		if !ok {
			continue
		}
		r := ruleFromSyncedJSON(rd)
		if r == nil {
			continue
		}
		if e.builtinIDs[r.ID] {
			log.Printf("[l1] Synced rule %s shadows a builtin rule, skipped", r.ID)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// --- Value comparison helpers ---

func getFieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var current interface{} = data

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}

func valuesEqual(a, b interface{}) bool {
	// Handle bool/bool comparison
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}

	// Handle numeric comparisons (JSON/YAML may decode as float64 or int)
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af == bf
	}

	// String comparison
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valueIn(actual, list interface{}) bool {
	switch arr := list.(type) {
	case []interface{}:
		for _, item := range arr {
			if valuesEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range arr {
			if valuesEqual(actual, item) {
				return true
			}
		}
	}
	return false
}

// --- Rule constructors ---

func ruleFromMap(m map[string]interface{}, source string) *Rule {
	id, _ := m["id"].(string)
	if id == "" {
		return nil
	}

	action := strOrDefault(m, "action", "")
	if !validAction(action) {
		log.Printf("[l1] Rule %s has unsupported action %q, skipped", id, action)
		return nil
	}

	r := &Rule{
		ID:              id,
		Name:            strOrDefault(m, "name", id),
		Description:     strOrDefault(m, "description", ""),
		Action:          action,
		RunbookID:       strOrDefault(m, "runbook_id", ""),
		ActionParams:    mapOrEmpty(m, "action_params"),
		HIPAAControls:   strSlice(m, "hipaa_controls"),
		SeverityFilter:  strSlice(m, "severity_filter"),
		Enabled:         boolOrDefault(m, "enabled", true),
		Priority:        intOrDefault(m, "priority", 100),
		CooldownSeconds: intOrDefault(m, "cooldown_seconds", 300),
		MinConfidence:   floatOrDefault(m, "min_confidence", 0),
		Source:          source,
	}
	if r.RunbookID == "" {
		r.RunbookID = strOrDefault(r.ActionParams, "runbook_id", "")
	}

	if !parseConditions(r, m) {
		return nil
	}
	return r
}

func ruleFromSyncedJSON(m map[string]interface{}) *Rule {
	id, _ := m["id"].(string)
	if id == "" {
		return nil
	}

	// Convert 'actions' list to 'action' string (use first action)
	action := ""
	if actions, ok := m["actions"].([]interface{}); ok && len(actions) > 0 {
		action, _ = actions[0].(string)
	}
	if action == "" {
		action = strOrDefault(m, "action", "")
	}
	if !validAction(action) {
		log.Printf("[l1] Synced rule %s has unsupported action %q, skipped", id, action)
		return nil
	}

	r := &Rule{
		ID:              id,
		Name:            strOrDefault(m, "name", id),
		Description:     strOrDefault(m, "description", ""),
		Action:          action,
		RunbookID:       strOrDefault(m, "runbook_id", ""),
		ActionParams:    mapOrEmpty(m, "action_params"),
		HIPAAControls:   strSlice(m, "hipaa_controls"),
		SeverityFilter:  strSlice(m, "severity_filter"),
		Enabled:         boolOrDefault(m, "enabled", true),
		Priority:        intOrDefault(m, "priority", 5), // Synced rules default to priority 5
		CooldownSeconds: intOrDefault(m, "cooldown_seconds", 300),
		MinConfidence:   floatOrDefault(m, "min_confidence", 0),
		Source:          SourceSynced,
	}
	if r.RunbookID == "" {
		r.RunbookID = strOrDefault(r.ActionParams, "runbook_id", "")
	}

	if !parseConditions(r, m) {
		return nil
	}
	return r
}

// parseConditions fills r.Conditions from the raw map. A rule with an
// unsupported operator is rejected whole rather than matched partially.
func parseConditions(r *Rule, m map[string]interface{}) bool {
	conds, ok := m["conditions"].([]interface{})
	if !ok {
		return true
	}
	for _, c := range conds {
		cm, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		op := MatchOperator(strOrDefault(cm, "operator", "eq"))
		if !validOperator(op) {
			log.Printf("[l1] Rule %s has unsupported operator %q, skipped", r.ID, op)
			return false
		}
		r.Conditions = append(r.Conditions, RuleCondition{
			Field:    strOrDefault(cm, "field", ""),
			Operator: op,
			Value:    cm["value"],
		})
	}
	return true
}

// --- Map access helpers ---

func strOrDefault(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func intOrDefault(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return def
}

func floatOrDefault(m map[string]interface{}, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func boolOrDefault(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func mapOrEmpty(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}

func strSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
