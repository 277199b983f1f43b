package daemon

import (
	"context"
	"log"
	"time"

	"github.com/meridianmsp/fleet/internal/evidence"
)

// submitEvidence builds a signed bundle covering the full host/check cross
// product for one scan and hands it to the submitter. Checks not present
// in findings are recorded as passed.
func (d *Daemon) submitEvidence(ctx context.Context, checkedAt time.Time, hosts, checkTypes []string, findings []driftFinding) {
	if !d.config.EnableEvidenceUpload || d.submitter == nil {
		return
	}
	if len(hosts) == 0 {
		return
	}

	bundle := evidence.BuildBundle(d.config.SiteID, checkedAt, hosts, checkTypes, toEvidenceFindings(findings))
	if err := d.submitter.Submit(ctx, bundle); err != nil {
		log.Printf("[daemon] Evidence submission failed (queued for retry): %v", err)
	}
}

func toEvidenceFindings(findings []driftFinding) []evidence.DriftFinding {
	out := make([]evidence.DriftFinding, 0, len(findings))
	for _, f := range findings {
		ef := evidence.DriftFinding{
			Hostname:     f.Hostname,
			CheckType:    f.CheckType,
			Passed:       false,
			Expected:     f.Expected,
			Actual:       f.Actual,
			Severity:     f.Severity,
			HIPAAControl: f.HIPAAControl,
		}
		if len(f.Details) > 0 {
			ef.Details = make(map[string]interface{}, len(f.Details))
			for k, v := range f.Details {
				ef.Details[k] = v
			}
		}
		out = append(out, ef)
	}
	return out
}

// observeScanPasses feeds the pass side of each scanned (host, check) pair
// to the flap guard. The classifier feeds the fail side when it works the
// finding, so only pairs with no finding are observed here.
func (d *Daemon) observeScanPasses(hosts, checkTypes []string, findings []driftFinding) {
	if d.flaps == nil {
		return
	}

	failed := make(map[string]bool, len(findings))
	for _, f := range findings {
		failed[f.Hostname+":"+f.CheckType] = true
	}

	now := time.Now()
	for _, host := range hosts {
		for _, ct := range checkTypes {
			if failed[host+":"+ct] {
				continue
			}
			d.flaps.Observe(host, ct, true, now)
		}
	}
}

// timeoutFindings reports every check for the given hosts as unfinished.
// Used when a scan runs out of cycle budget before reaching a host.
func timeoutFindings(hosts, checkTypes []string) []driftFinding {
	findings := make([]driftFinding, 0, len(hosts)*len(checkTypes))
	for _, host := range hosts {
		for _, ct := range checkTypes {
			findings = append(findings, driftFinding{
				Hostname:  host,
				CheckType: ct,
				Expected:  "scan completed",
				Actual:    "timeout",
				Severity:  "low",
			})
		}
	}
	return findings
}
