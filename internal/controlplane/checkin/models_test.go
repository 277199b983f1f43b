package checkin

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"AaBbCcDdEeFf", "AA:BB:CC:DD:EE:FF"},
		{"84:3a:5b:91:b6:61", "84:3A:5B:91:B6:61"},
		{"843a.5b91.b661", "84:3A:5B:91:B6:61"}, // Cisco dot notation
		{"invalid", "invalid"},                  // Too short, returned as-is
		{"", ""},
	}
	for _, tt := range tests {
		got := NormalizeMAC(tt.input)
		if got != tt.want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCleanMAC(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"84:3a:5b:91:b6:61", "843A5B91B661"},
		{"84-3A-5B-91-B6-61", "843A5B91B661"},
		{"843a5b91b661", "843A5B91B661"},
	}
	for _, tt := range tests {
		got := CleanMAC(tt.input)
		if got != tt.want {
			t.Errorf("CleanMAC(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCanonicalApplianceID(t *testing.T) {
	got := CanonicalApplianceID("site-abc", "aa-bb-cc-dd-ee-ff")
	want := "site-abc-AA:BB:CC:DD:EE:FF"
	if got != want {
		t.Errorf("CanonicalApplianceID = %q, want %q", got, want)
	}
}

// All separator variants of the same MAC must land on one appliance id.
func TestCanonicalApplianceIDStableAcrossFormats(t *testing.T) {
	variants := []string{
		"aa:bb:cc:dd:ee:ff",
		"AA-BB-CC-DD-EE-FF",
		"aabbccddeeff",
		"AaBbCcDdEeFf",
	}
	want := CanonicalApplianceID("site-1", variants[0])
	for _, v := range variants {
		if got := CanonicalApplianceID("site-1", v); got != want {
			t.Errorf("CanonicalApplianceID(site-1, %q) = %q, want %q", v, got, want)
		}
	}
}

func TestIsoTime(t *testing.T) {
	ts := time.Date(2026, 2, 17, 15, 30, 0, 0, time.UTC)
	if got := isoTime(ts); got != "2026-02-17T15:30:00Z" {
		t.Errorf("isoTime = %q, want %q", got, "2026-02-17T15:30:00Z")
	}
}

func TestIsoTimePtr(t *testing.T) {
	if got := isoTimePtr(nil); got != nil {
		t.Error("isoTimePtr(nil) should be nil")
	}

	ts := time.Date(2026, 2, 17, 15, 30, 0, 0, time.UTC)
	got := isoTimePtr(&ts)
	if got == nil {
		t.Fatal("isoTimePtr should not be nil")
	}
	if *got != "2026-02-17T15:30:00Z" {
		t.Errorf("isoTimePtr = %q, want %q", *got, "2026-02-17T15:30:00Z")
	}
}

// The appliance decodes targets as loose maps keyed by these names; a
// renamed JSON tag here breaks every fleet scan silently.
func TestTargetWireKeys(t *testing.T) {
	sudo := "sp"
	label := "db"
	lt := LinuxTarget{Hostname: "srv1", Port: 22, Username: "root", SudoPassword: &sudo, Label: &label}
	raw, err := json.Marshal(lt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"hostname", "port", "username", "sudo_password", "label"} {
		if _, ok := m[key]; !ok {
			t.Errorf("LinuxTarget JSON missing key %q", key)
		}
	}

	wt := WindowsTarget{Hostname: "dc01", Username: `CLINIC\Administrator`, Password: "p", Role: "domain_admin"}
	raw, err = json.Marshal(wt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m = nil
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"hostname", "username", "password", "use_ssl", "role"} {
		if _, ok := m[key]; !ok {
			t.Errorf("WindowsTarget JSON missing key %q", key)
		}
	}
}
