package healing

import (
	"strings"
	"testing"
	"time"
)

func TestNewIncidentFields(t *testing.T) {
	inc := NewIncident("site-1", "ws01", "firewall_status", "high", nil)

	if inc.ID == "" {
		t.Fatal("expected a generated id")
	}
	if inc.RawData == nil {
		t.Fatal("nil raw data must be initialized")
	}
	if _, err := time.Parse(time.RFC3339, inc.CreatedAt); err != nil {
		t.Fatalf("created_at not RFC3339: %v", err)
	}
	if !strings.HasPrefix(inc.PatternSignature, "firewall_status:") {
		t.Fatalf("expected signature prefixed with check type, got %s", inc.PatternSignature)
	}

	// IDs are unique per incident.
	other := NewIncident("site-1", "ws01", "firewall_status", "high", nil)
	if other.ID == inc.ID {
		t.Fatal("expected unique incident ids")
	}
}

func TestPatternSignatureGroupsAcrossSites(t *testing.T) {
	a := PatternSignature("firewall_status", map[string]interface{}{
		"host_class": "workstation",
		"expected":   "enabled",
		"actual":     "disabled",
		"hostname":   "ws01.clinic-a.local",
		"site_id":    "site-a",
	})
	b := PatternSignature("firewall_status", map[string]interface{}{
		"host_class": "workstation",
		"expected":   "enabled",
		"actual":     "disabled",
		"hostname":   "reception.clinic-b.local",
		"site_id":    "site-b",
	})
	if a != b {
		t.Fatalf("identical problems must group: %s vs %s", a, b)
	}

	c := PatternSignature("firewall_status", map[string]interface{}{
		"host_class": "workstation",
		"expected":   "enabled",
		"actual":     "domain profile off",
	})
	if a == c {
		t.Fatal("different observables must not group")
	}
}

func TestPatternSignatureNormalizesObservables(t *testing.T) {
	a := PatternSignature("linux_ssh_config", map[string]interface{}{
		"expected": "PermitRootLogin no",
		"actual":   "  PermitRootLogin YES ",
	})
	b := PatternSignature("linux_ssh_config", map[string]interface{}{
		"expected": "permitrootlogin no",
		"actual":   "permitrootlogin yes",
	})
	if a != b {
		t.Fatalf("case and whitespace must normalize away: %s vs %s", a, b)
	}
}

func TestIncidentRecordAppends(t *testing.T) {
	inc := NewIncident("site-1", "ws01", "audit_logging", "medium", nil)
	inc.Record(ActionTaken{Layer: "l1", Action: ActionExecuteRunbook})
	inc.Record(ActionTaken{Layer: "l3", Action: "notify"})

	if len(inc.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(inc.Actions))
	}
	if inc.Actions[0].Layer != "l1" || inc.Actions[1].Layer != "l3" {
		t.Fatal("actions must keep insertion order")
	}
}
