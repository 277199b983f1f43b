package l2planner

import (
	"regexp"
	"strings"
)

// minAutoConfidence is the floor below which a sidecar decision is never
// auto-executed, matching the bridge's ShouldExecute gate.
const minAutoConfidence = 0.6

// Guardrails is the appliance-local check on sidecar decisions. The sidecar
// already filters its own output; these rails run again on the appliance so
// a compromised or confused sidecar still cannot push destructive commands
// into the healing executor.
type Guardrails struct {
	dangerousPatterns []*regexp.Regexp
	allowedActions    map[string]bool
}

// DefaultAllowedActions is the set of actions the planner may auto-execute.
// Everything else is rewritten into an L3 escalation.
var DefaultAllowedActions = []string{
	"restart_service",
	"enable_service",
	"configure_firewall",
	"apply_gpo",
	"enable_bitlocker",
	"fix_audit_policy",
	"apply_ssh_hardening",
	"fix_ntp",
	"fix_permissions",
	"enable_defender",
	"fix_password_policy",
	"escalate",
}

// dangerousPatternDefs match commands no compliance runbook legitimately
// issues. The list is intentionally blunt: a false positive escalates to a
// human, a false negative wipes a clinic server.
var dangerousPatternDefs = []string{
	// Filesystem and disk destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,
	`>\s*/dev/sda`,

	// Permission destruction
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,

	// Remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bDELETE\s+FROM\b`,
	`(?i)\bTRUNCATE\b`,

	// Credential material
	`/etc/shadow`,
	`\bid_rsa\b`,
	`(?i)\bapi[_\s]?key\b`,
	`\.env\b`,

	// Reverse shells
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,

	// Forced shutdown
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`(?i)Stop-Computer\s+-Force`,

	// Windows disk destruction
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Remove-Item\s+.*-Recurse\s+.*-Force\s+[A-Za-z]:\\`,

	// Ransomware tells and audit destruction
	`(?i)vssadmin\s+delete\s+shadows`,
	`(?i)bcdedit\s+.*recoveryenabled\s+no`,
	`(?i)cipher\s+/w`,
	`(?i)wevtutil\s+cl\b`,
	`(?i)Set-MpPreference\s+.*-DisableRealtimeMonitoring\s+\$true`,
}

// NewGuardrails compiles the pattern list and builds the action allowlist.
// A nil allowedActions selects DefaultAllowedActions.
func NewGuardrails(allowedActions []string) *Guardrails {
	if allowedActions == nil {
		allowedActions = DefaultAllowedActions
	}

	allowed := make(map[string]bool, len(allowedActions))
	for _, a := range allowedActions {
		allowed[strings.ToLower(a)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	return &Guardrails{
		dangerousPatterns: patterns,
		allowedActions:    allowed,
	}
}

// CheckResult says whether a decision may execute and, if not, why.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Category string // "dangerous_pattern", "unknown_action", "low_confidence", ""
}

// Check validates a sidecar decision. Both the script and the action string
// are scanned; the sidecar controls both and either can smuggle a command.
func (g *Guardrails) Check(action string, script string, confidence float64) CheckResult {
	if confidence < minAutoConfidence {
		return CheckResult{
			Allowed:  false,
			Reason:   "confidence too low for auto-execution",
			Category: "low_confidence",
		}
	}

	if !g.IsActionAllowed(action) {
		return CheckResult{
			Allowed:  false,
			Reason:   "action not in allowed list: " + action,
			Category: "unknown_action",
		}
	}

	if reason := g.CheckDangerous(script); reason != "" {
		return CheckResult{
			Allowed:  false,
			Reason:   reason,
			Category: "dangerous_pattern",
		}
	}
	if reason := g.CheckDangerous(action); reason != "" {
		return CheckResult{
			Allowed:  false,
			Reason:   reason,
			Category: "dangerous_pattern",
		}
	}

	return CheckResult{Allowed: true}
}

// IsActionAllowed reports whether the action is allowlisted. Matching is
// case-insensitive.
func (g *Guardrails) IsActionAllowed(action string) bool {
	return g.allowedActions[strings.ToLower(action)]
}

// CheckDangerous scans input against the pattern list and returns the reason
// for the first hit, or "" when clean.
func (g *Guardrails) CheckDangerous(input string) string {
	for _, p := range g.dangerousPatterns {
		if p.MatchString(input) {
			return "dangerous pattern detected: " + p.String()
		}
	}
	return ""
}

// AllowedActions returns the allowlist (lowercased, unordered).
func (g *Guardrails) AllowedActions() []string {
	actions := make([]string, 0, len(g.allowedActions))
	for a := range g.allowedActions {
		actions = append(actions, a)
	}
	return actions
}
