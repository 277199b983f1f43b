package l2planner

import (
	"strings"
	"testing"
)

func TestScrubSSN(t *testing.T) {
	s := NewPHIScrubber()

	tests := []struct {
		input    string
		contains string // should NOT be in output
	}{
		{"SSN is 219-09-9999", "219-09-9999"},
		{"Patient SSN: 078 05 1120", "078 05 1120"},
	}

	for _, tt := range tests {
		result := s.ScrubString(tt.input)
		if strings.Contains(result, tt.contains) {
			t.Errorf("SSN not scrubbed: %q still in %q", tt.contains, result)
		}
		if !strings.Contains(result, "[SSN-REDACTED-") {
			t.Errorf("Missing SSN redaction tag in %q", result)
		}
	}
}

func TestScrubMRN(t *testing.T) {
	s := NewPHIScrubber()

	tests := []string{
		"MRN: 44812207",
		"mrn#10229384",
		"MRN 7201",
	}

	for _, input := range tests {
		result := s.ScrubString(input)
		if !strings.Contains(result, "[MRN-REDACTED-") {
			t.Errorf("MRN not scrubbed in %q -> %q", input, result)
		}
	}
}

func TestScrubPatientID(t *testing.T) {
	s := NewPHIScrubber()

	tests := []string{
		"patient_id: PX-20831",
		"Patient ID 99182",
	}

	for _, input := range tests {
		result := s.ScrubString(input)
		if !strings.Contains(result, "[PATIENT-ID-REDACTED-") {
			t.Errorf("patient id not scrubbed in %q -> %q", input, result)
		}
	}
}

func TestScrubPhone(t *testing.T) {
	s := NewPHIScrubber()

	tests := []string{
		"Call (570) 555-0142",
		"Phone: 570-555-0142",
		"Cell 570.555.0142",
	}

	for _, input := range tests {
		result := s.ScrubString(input)
		if !strings.Contains(result, "[PHONE-REDACTED-") {
			t.Errorf("Phone not scrubbed in %q -> %q", input, result)
		}
	}
}

func TestScrubEmail(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("Contact frontdesk@lakesideclinic.org for records")
	if strings.Contains(result, "frontdesk@lakesideclinic.org") {
		t.Error("Email not scrubbed")
	}
	if !strings.Contains(result, "[EMAIL-REDACTED-") {
		t.Error("Missing email redaction tag")
	}
}

func TestScrubCreditCard(t *testing.T) {
	s := NewPHIScrubber()

	tests := []string{
		"Card: 4111-1111-1111-1111",
		"CC 5500 0000 0000 0004",
	}

	for _, input := range tests {
		result := s.ScrubString(input)
		if !strings.Contains(result, "[CC-REDACTED-") {
			t.Errorf("CC not scrubbed in %q -> %q", input, result)
		}
	}
}

func TestScrubDOB(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("DOB: 03/22/1987")
	if strings.Contains(result, "03/22/1987") {
		t.Error("DOB not scrubbed")
	}
	if !strings.Contains(result, "[DOB-REDACTED-") {
		t.Error("Missing DOB redaction tag")
	}
}

func TestScrubAddress(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("Lives at 418 Birch Hollow Lane")
	if strings.Contains(result, "418 Birch Hollow Lane") {
		t.Error("Address not scrubbed")
	}
	if !strings.Contains(result, "[ADDRESS-REDACTED-") {
		t.Error("Missing address redaction tag")
	}
}

func TestScrubZipPlus4(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("ZIP: 18704-2215")
	if strings.Contains(result, "18704-2215") {
		t.Error("ZIP+4 not scrubbed")
	}
	if !strings.Contains(result, "[ZIP-REDACTED-") {
		t.Error("Missing ZIP redaction tag")
	}

	// Plain 5-digit numbers are ports and counts, not PHI.
	if got := s.ScrubString("listening on 18704"); got != "listening on 18704" {
		t.Errorf("plain 5-digit number should survive, got %q", got)
	}
}

func TestScrubAccountNumber(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("Account #550019384")
	if !strings.Contains(result, "[ACCOUNT-REDACTED-") {
		t.Errorf("Account not scrubbed: %q", result)
	}
}

func TestScrubInsuranceID(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("Insurance ID: BCB-778-102")
	if !strings.Contains(result, "[INSURANCE-REDACTED-") {
		t.Errorf("Insurance ID not scrubbed: %q", result)
	}
}

func TestScrubMedicare(t *testing.T) {
	s := NewPHIScrubber()
	result := s.ScrubString("Medicare: 4QA7-WD3-PR19")
	if strings.Contains(result, "4QA7-WD3-PR19") {
		t.Error("Medicare not scrubbed")
	}
	if !strings.Contains(result, "[MEDICARE-REDACTED-") {
		t.Error("Missing Medicare redaction tag")
	}
}

func TestIPAddressesPreserved(t *testing.T) {
	s := NewPHIScrubber()

	input := "Server at 192.168.88.10 has SSN 219-09-9999 and IP 10.40.0.1"
	result := s.ScrubString(input)

	if !strings.Contains(result, "192.168.88.10") {
		t.Errorf("IP 192.168.88.10 was scrubbed: %q", result)
	}
	if !strings.Contains(result, "10.40.0.1") {
		t.Errorf("IP 10.40.0.1 was scrubbed: %q", result)
	}

	if strings.Contains(result, "219-09-9999") {
		t.Error("SSN was NOT scrubbed alongside IPs")
	}

	if !s.VerifyIPsPreserved(input) {
		t.Error("VerifyIPsPreserved returned false")
	}
}

func TestScrubMap(t *testing.T) {
	s := NewPHIScrubber()

	data := map[string]interface{}{
		"hostname":   "LKSDC01",
		"ip_address": "192.168.88.100",
		"user_info":  "Patient Dana, SSN 219-09-9999, MRN: 44812207",
		"nested": map[string]interface{}{
			"email": "dana@lakesideclinic.org",
			"count": 42,
		},
		"list": []interface{}{"Call (570) 555-0142", 99},
	}

	scrubbed := s.ScrubMap(data)

	if scrubbed["ip_address"] != "192.168.88.100" {
		t.Errorf("IP was scrubbed: %v", scrubbed["ip_address"])
	}
	if scrubbed["hostname"] != "LKSDC01" {
		t.Error("Hostname was scrubbed")
	}

	userInfo := scrubbed["user_info"].(string)
	if strings.Contains(userInfo, "219-09-9999") {
		t.Error("SSN not scrubbed in map")
	}
	if !strings.Contains(userInfo, "[SSN-REDACTED-") {
		t.Error("Missing SSN tag in map")
	}

	nested := scrubbed["nested"].(map[string]interface{})
	email := nested["email"].(string)
	if strings.Contains(email, "dana@lakesideclinic.org") {
		t.Error("Nested email not scrubbed")
	}
	if nested["count"] != 42 {
		t.Error("Nested int was modified")
	}

	list := scrubbed["list"].([]interface{})
	if !strings.Contains(list[0].(string), "[PHONE-REDACTED-") {
		t.Error("Phone in list not scrubbed")
	}
	if list[1] != 99 {
		t.Error("Int in list was modified")
	}

	if data["user_info"].(string) != "Patient Dana, SSN 219-09-9999, MRN: 44812207" {
		t.Error("Original data was modified")
	}
}

func TestHashSuffixDeterministic(t *testing.T) {
	s := NewPHIScrubber()

	r1 := s.ScrubString("SSN 219-09-9999")
	r2 := s.ScrubString("SSN 219-09-9999")
	if r1 != r2 {
		t.Errorf("Non-deterministic scrubbing: %q vs %q", r1, r2)
	}

	r3 := s.ScrubString("SSN 078-05-1120")
	if r1 == r3 {
		t.Error("Different SSNs produced same hash")
	}
}

func TestContainsPHI(t *testing.T) {
	s := NewPHIScrubber()

	if !s.ContainsPHI("SSN 219-09-9999") {
		t.Error("Should detect SSN")
	}
	if !s.ContainsPHI("dana@lakesideclinic.org") {
		t.Error("Should detect email")
	}
	if s.ContainsPHI("Server 192.168.88.1 is healthy") {
		t.Error("IP should not flag as PHI")
	}
	if s.ContainsPHI("firewall_status drift detected") {
		t.Error("Plain text should not flag as PHI")
	}
}

func TestScrubReport(t *testing.T) {
	s := NewPHIScrubber()

	cats := s.ScrubReport("SSN 219-09-9999, email dana@lakesideclinic.org")
	if len(cats) < 2 {
		t.Errorf("Expected >=2 categories, got %d: %v", len(cats), cats)
	}

	found := map[string]bool{}
	for _, c := range cats {
		found[c] = true
	}
	if !found["ssn"] {
		t.Error("Missing ssn category")
	}
	if !found["email"] {
		t.Error("Missing email category")
	}
}

func TestNoFalsePositivesOnInfraData(t *testing.T) {
	s := NewPHIScrubber()

	infraStrings := []string{
		"firewall_status drift_detected=true",
		"Windows Defender is disabled",
		"Service wuauserv is stopped",
		"Port 5985 open on LKSDC01",
		"NixOS rebuild completed in 45s",
		"Check linux_ssh_config failed",
		"HIPAA control 164.312(a)(1)",
	}

	for _, input := range infraStrings {
		result := s.ScrubString(input)
		if result != input {
			t.Errorf("False positive scrubbing on infra data: %q -> %q", input, result)
		}
	}
}

func TestString(t *testing.T) {
	s := NewPHIScrubber()
	str := s.String()
	if !strings.Contains(str, "12 patterns") {
		t.Errorf("Unexpected String(): %q", str)
	}
}
