// Package l2planner wraps the L2 sidecar bridge with the safety rails that
// run on the appliance itself: budget limits, PHI scrubbing, and decision
// guardrails.
package l2planner

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// redaction is one scrub category: anything the expression matches is
// replaced by "[<tag>-<8 hex of sha256(match)>]". The hash suffix lets
// scrubbed logs be correlated without exposing the matched value.
type redaction struct {
	category string
	tag      string
	re       *regexp.Regexp
}

// redactions covers the twelve PHI/PII categories stripped before
// anything leaves the site for a cloud API (HIPAA 164.312(e)(1)).
// IP addresses are not on this list: they are infrastructure identifiers
// under Safe Harbor 164.514(b)(2), and the planner needs them to reason
// about network topology.
var redactions = []redaction{
	{"ssn", "SSN-REDACTED",
		regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`)},
	{"mrn", "MRN-REDACTED",
		regexp.MustCompile(`(?i)\bMRN[:\s#]*\d{4,12}\b`)},
	{"patient_id", "PATIENT-ID-REDACTED",
		regexp.MustCompile(`(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`)},
	{"phone", "PHONE-REDACTED",
		regexp.MustCompile(`(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`)},
	{"email", "EMAIL-REDACTED",
		regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"credit_card", "CC-REDACTED",
		regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{"dob", "DOB-REDACTED",
		regexp.MustCompile(`(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`)},
	{"address", "ADDRESS-REDACTED",
		regexp.MustCompile(`\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`)},
	// ZIP+4 only; bare five-digit numbers are ports and counts.
	{"zip", "ZIP-REDACTED",
		regexp.MustCompile(`\b\d{5}-\d{4}\b`)},
	{"account_number", "ACCOUNT-REDACTED",
		regexp.MustCompile(`(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`)},
	{"insurance_id", "INSURANCE-REDACTED",
		regexp.MustCompile(`(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`)},
	{"medicare", "MEDICARE-REDACTED",
		regexp.MustCompile(`(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`)},
}

// PHIScrubber strips PHI/PII from incident payloads before they reach the
// L2 sidecar. All instances share the package-level redaction table.
type PHIScrubber struct {
	rules []redaction
}

func NewPHIScrubber() *PHIScrubber {
	return &PHIScrubber{rules: redactions}
}

func redactedTag(tag, match string) string {
	sum := sha256.Sum256([]byte(match))
	return fmt.Sprintf("[%s-%x]", tag, sum[:4])
}

// ScrubString replaces every match with its tagged placeholder.
func (s *PHIScrubber) ScrubString(input string) string {
	out := input
	for _, r := range s.rules {
		tag := r.tag
		out = r.re.ReplaceAllStringFunc(out, func(m string) string {
			return redactedTag(tag, m)
		})
	}
	return out
}

// ScrubMap scrubs every string reachable through the map, descending
// into nested maps and slices. The input map is left untouched.
func (s *PHIScrubber) ScrubMap(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = s.scrub(v)
	}
	return out
}

func (s *PHIScrubber) scrub(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.ScrubString(val)
	case map[string]interface{}:
		return s.ScrubMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.scrub(item)
		}
		return out
	default:
		return v
	}
}

// ContainsPHI reports whether any category matches the input.
func (s *PHIScrubber) ContainsPHI(input string) bool {
	for _, r := range s.rules {
		if r.re.MatchString(input) {
			return true
		}
	}
	return false
}

// ScrubReport lists the categories that match the input, for telemetry.
func (s *PHIScrubber) ScrubReport(input string) []string {
	var cats []string
	for _, r := range s.rules {
		if r.re.MatchString(input) {
			cats = append(cats, r.category)
		}
	}
	return cats
}

var ipLiteral = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// VerifyIPsPreserved confirms that scrubbing left every IP literal in
// place and unmodified.
func (s *PHIScrubber) VerifyIPsPreserved(input string) bool {
	before := ipLiteral.FindAllString(input, -1)
	after := ipLiteral.FindAllString(s.ScrubString(input), -1)
	if len(before) != len(after) {
		return false
	}
	for i := range before {
		if before[i] != after[i] {
			return false
		}
	}
	return true
}

func (s *PHIScrubber) String() string {
	cats := make([]string, len(s.rules))
	for i, r := range s.rules {
		cats[i] = r.category
	}
	return fmt.Sprintf("PHIScrubber(%d patterns: %s)", len(s.rules), strings.Join(cats, ", "))
}
