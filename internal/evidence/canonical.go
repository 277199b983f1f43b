// Package evidence assembles, signs, stages, and ships compliance evidence
// bundles. The canonical JSON produced here is the exact byte sequence the
// Ed25519 signature covers; the control plane stores and re-verifies those
// bytes, so any change to the encoding breaks every previously signed
// bundle.
package evidence

import (
	"fmt"
	"strconv"
	"time"
)

// Check statuses in a bundle.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// DriftFinding is one non-compliant observation from a scan. Findings are
// immutable once emitted.
type DriftFinding struct {
	Hostname     string
	CheckType    string
	Passed       bool
	Expected     string
	Actual       string
	Severity     string
	HIPAAControl string
	Details      map[string]interface{}
}

// CheckResult is one (host, check_type) row in a bundle.
type CheckResult struct {
	Check        string
	Hostname     string
	Status       string
	Expected     string
	Actual       string
	HIPAAControl string
}

// Summary aggregates one scan window.
type Summary struct {
	TotalChecks  int
	Compliant    int
	NonCompliant int
	ScannedHosts int
}

// Bundle is the signed unit of evidence: one row per (host, check_type)
// pair in the scan window.
type Bundle struct {
	SiteID    string
	CheckedAt time.Time
	Checks    []CheckResult
	Summary   Summary
}

// CanonicalJSON renders the signed payload. Key order is fixed
// (site_id, checked_at, checks, summary; check rows carry
// check, hostname, status, then expected/actual/hipaa_control only on
// fail), timestamps are RFC 3339 UTC with a Z suffix, separators carry no
// whitespace, and non-ASCII runes are \u-escaped. Calling this twice on
// the same bundle yields identical bytes.
func (b *Bundle) CanonicalJSON() []byte {
	buf := make([]byte, 0, 128+len(b.Checks)*96)

	buf = append(buf, `{"site_id":`...)
	buf = appendJSONString(buf, b.SiteID)
	buf = append(buf, `,"checked_at":`...)
	buf = appendJSONString(buf, b.CheckedAt.UTC().Format(time.RFC3339))
	buf = append(buf, `,"checks":[`...)
	for i := range b.Checks {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = b.Checks[i].appendCanonical(buf)
	}
	buf = append(buf, `],"summary":{"total_checks":`...)
	buf = strconv.AppendInt(buf, int64(b.Summary.TotalChecks), 10)
	buf = append(buf, `,"compliant":`...)
	buf = strconv.AppendInt(buf, int64(b.Summary.Compliant), 10)
	buf = append(buf, `,"non_compliant":`...)
	buf = strconv.AppendInt(buf, int64(b.Summary.NonCompliant), 10)
	buf = append(buf, `,"scanned_hosts":`...)
	buf = strconv.AppendInt(buf, int64(b.Summary.ScannedHosts), 10)
	buf = append(buf, `}}`...)

	return buf
}

func (c *CheckResult) appendCanonical(dst []byte) []byte {
	dst = append(dst, `{"check":`...)
	dst = appendJSONString(dst, c.Check)
	dst = append(dst, `,"hostname":`...)
	dst = appendJSONString(dst, c.Hostname)
	dst = append(dst, `,"status":`...)
	dst = appendJSONString(dst, c.Status)
	if c.Status == StatusFail {
		dst = append(dst, `,"expected":`...)
		dst = appendJSONString(dst, c.Expected)
		dst = append(dst, `,"actual":`...)
		dst = appendJSONString(dst, c.Actual)
		if c.HIPAAControl != "" {
			dst = append(dst, `,"hipaa_control":`...)
			dst = appendJSONString(dst, c.HIPAAControl)
		}
	}
	return append(dst, '}')
}

// appendJSONString writes s as a JSON string with ASCII-only output:
// control characters and everything above 0x7F become \u escapes.
func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, r := range s {
		switch r {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			switch {
			case r < 0x20:
				dst = append(dst, fmt.Sprintf(`\u%04x`, r)...)
			case r < 0x80:
				dst = append(dst, byte(r))
			case r <= 0xFFFF:
				dst = append(dst, fmt.Sprintf(`\u%04x`, r)...)
			default:
				// UTF-16 surrogate pair for runes beyond the BMP.
				r -= 0x10000
				dst = append(dst, fmt.Sprintf(`\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))...)
			}
		}
	}
	return append(dst, '"')
}
