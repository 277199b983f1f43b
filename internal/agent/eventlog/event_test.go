package eventlog

import "testing"

func TestNewEventClassification(t *testing.T) {
	tests := []struct {
		name      string
		channel   string
		eventID   uint32
		checkType string
		passed    bool
	}{
		{
			name:      "defender realtime disabled",
			channel:   "Microsoft-Windows-Windows Defender/Operational",
			eventID:   5001,
			checkType: "defender",
		},
		{
			name:      "firewall rule deleted",
			channel:   "Microsoft-Windows-Windows Firewall With Advanced Security/Firewall",
			eventID:   2006,
			checkType: "firewall",
		},
		{
			name:      "bitlocker resume is not drift",
			channel:   "Microsoft-Windows-BitLocker/BitLocker Management",
			eventID:   24621,
			checkType: "bitlocker",
			passed:    true,
		},
		{
			name:      "failed logon",
			channel:   "Security",
			eventID:   4625,
			checkType: "security_audit",
		},
		{
			name:      "privilege assignment is informational",
			channel:   "Security",
			eventID:   4672,
			checkType: "security_audit",
			passed:    true,
		},
		{
			name:      "unknown event id uses channel fallback",
			channel:   "System",
			eventID:   9999,
			checkType: "service_status",
		},
		{
			name:      "unknown channel",
			channel:   "Application",
			eventID:   1,
			checkType: "unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvent(tt.channel, tt.eventID)
			if e.CheckType != tt.checkType {
				t.Errorf("CheckType = %q, want %q", e.CheckType, tt.checkType)
			}
			if e.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v", e.Passed, tt.passed)
			}
			if e.EventID != tt.eventID {
				t.Errorf("EventID = %d", e.EventID)
			}
		})
	}
}

func TestDriftConversion(t *testing.T) {
	e := NewEvent("Security", 4740)
	drift := e.Drift("go-host-abcd", "RECEPTION-PC")

	if drift.GetAgentId() != "go-host-abcd" || drift.GetHostname() != "RECEPTION-PC" {
		t.Errorf("identity = %s/%s", drift.GetAgentId(), drift.GetHostname())
	}
	if drift.GetCheckType() != "security_audit" || drift.GetPassed() {
		t.Errorf("drift = %s passed=%v", drift.GetCheckType(), drift.GetPassed())
	}
	if drift.GetHipaaControl() != "164.312(b)" {
		t.Errorf("control = %q", drift.GetHipaaControl())
	}
	if drift.GetMetadata()["source"] != "eventlog" || drift.GetMetadata()["event_id"] != "4740" {
		t.Errorf("metadata = %v", drift.GetMetadata())
	}
}

func TestExtractXMLValue(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		tag  string
		want string
	}{
		{"plain", "<Event><EventID>5001</EventID></Event>", "EventID", "5001"},
		{"with attributes", "<EventID Qualifiers='0'>4625</EventID>", "EventID", "4625"},
		{"missing", "<Event></Event>", "EventID", ""},
		{"unclosed", "<EventID>4625", "EventID", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractXMLValue(tt.xml, tt.tag); got != tt.want {
				t.Errorf("extractXMLValue = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEventID(t *testing.T) {
	if got := parseEventID("<Event><System><EventID>7040</EventID></System></Event>"); got != 7040 {
		t.Errorf("parseEventID = %d", got)
	}
	if got := parseEventID("<Event><EventID>junk</EventID></Event>"); got != 0 {
		t.Errorf("parseEventID on garbage = %d", got)
	}
}

func TestPolicyChange(t *testing.T) {
	tests := []struct {
		channel string
		eventID uint32
		want    bool
	}{
		{"Security", 4719, true},
		{"System", 7040, true},
		{"Security", 4625, false},
		{"System", 7036, false},
		{"Microsoft-Windows-Windows Defender/Operational", 5001, false},
	}
	for _, tt := range tests {
		e := NewEvent(tt.channel, tt.eventID)
		if got := e.PolicyChange(); got != tt.want {
			t.Errorf("PolicyChange(%s/%d) = %v, want %v", tt.channel, tt.eventID, got, tt.want)
		}
	}
}
