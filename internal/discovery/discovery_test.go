package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- Domain string helper tests ---

func TestDNToDomain(t *testing.T) {
	tests := []struct {
		dn     string
		domain string
	}{
		{"DC=lakeside,DC=local", "lakeside.local"},
		{"DC=corp,DC=example,DC=com", "corp.example.com"},
		{"DC=single", "single"},
		{"", ""},
		{"OU=Computers,DC=ad,DC=test", "ad.test"},
	}

	for _, tt := range tests {
		result := dnToDomain(tt.dn)
		if result != tt.domain {
			t.Errorf("dnToDomain(%q) = %q, want %q", tt.dn, result, tt.domain)
		}
	}
}

func TestNetbiosName(t *testing.T) {
	tests := []struct {
		domain  string
		netbios string
	}{
		{"lakeside.local", "LAKESIDE"},
		{"corp.example.com", "CORP"},
		{"single", "SINGLE"},
		{"", ""},
	}

	for _, tt := range tests {
		result := netbiosName(tt.domain)
		if result != tt.netbios {
			t.Errorf("netbiosName(%q) = %q, want %q", tt.domain, result, tt.netbios)
		}
	}
}

func TestFindDNPattern(t *testing.T) {
	tests := []struct {
		data     string
		expected string
	}{
		{"something DC=lakeside,DC=local more", "DC=lakeside,DC=local"},
		{"no dc here", ""},
		{"DC=a,DC=b,DC=c trailing", "DC=a,DC=b,DC=c"},
	}

	for _, tt := range tests {
		result := findDNPattern([]byte(tt.data))
		if result != tt.expected {
			t.Errorf("findDNPattern(%q) = %q, want %q", tt.data, result, tt.expected)
		}
	}
}

// --- LDAP packet tests ---

func TestRootDSESearchRequest(t *testing.T) {
	packet := rootDSESearchRequest()

	if len(packet) == 0 || packet[0] != 0x30 {
		t.Fatal("packet should start with SEQUENCE tag 0x30")
	}

	found := false
	marker := "defaultNamingContext"
	for i := 0; i <= len(packet)-len(marker); i++ {
		if string(packet[i:i+len(marker)]) == marker {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("packet should contain 'defaultNamingContext'")
	}
}

func TestBERHelpers(t *testing.T) {
	if l := berLength(10); len(l) != 1 || l[0] != 10 {
		t.Fatalf("berLength(10) = %v, want [10]", l)
	}
	if l := berLength(200); len(l) != 2 || l[0] != 0x81 {
		t.Fatalf("berLength(200) should use long form, got %v", l)
	}
	if l := berLength(1000); len(l) != 3 || l[0] != 0x82 {
		t.Fatalf("berLength(1000) should use two-byte form, got %v", l)
	}

	if i := berInteger(0); i[0] != 0x02 {
		t.Fatal("berInteger should have tag 0x02")
	}

	s := berOctetString("test")
	if s[0] != 0x04 {
		t.Fatal("berOctetString should have tag 0x04")
	}
	if s[1] != 4 {
		t.Fatalf("berOctetString length should be 4, got %d", s[1])
	}

	if e := berEnum(0); e[0] != 0x0a {
		t.Fatal("berEnum should have tag 0x0a")
	}

	if bt := berBool(true); bt[2] != 0xff {
		t.Fatal("berBool(true) should be 0xff")
	}
	if bf := berBool(false); bf[2] != 0x00 {
		t.Fatal("berBool(false) should be 0x00")
	}
}

func TestNamingContextFromResponse(t *testing.T) {
	// Simulated response fragment: marker, then OCTET STRING with the DN.
	dn := "DC=lakeside,DC=local"
	data := append([]byte("xxdefaultNamingContext"), 0x31, 0x16, 0x04, byte(len(dn)))
	data = append(data, []byte(dn)...)

	result := namingContextFromResponse(data)
	if result != dn {
		t.Fatalf("expected %q, got %q", dn, result)
	}
}

// --- resolv.conf / lease parsing tests ---

func TestReadSearchDomainsAndNameservers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	content := "# generated\nnameserver 192.168.88.2\nnameserver 8.8.8.8\nsearch lakeside.local corp.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	orig := resolvConfPath
	resolvConfPath = path
	defer func() { resolvConfPath = orig }()

	domains := readSearchDomains()
	if len(domains) != 2 || domains[0] != "lakeside.local" {
		t.Fatalf("expected [lakeside.local corp.example.com], got %v", domains)
	}

	servers := readNameservers()
	if len(servers) != 2 || servers[0] != "192.168.88.2" {
		t.Fatalf("expected [192.168.88.2 8.8.8.8], got %v", servers)
	}
}

func TestLeaseDomainName(t *testing.T) {
	tests := []struct {
		name  string
		lease string
		want  string
	}{
		{"plain", "ADDRESS=192.168.88.50\nDOMAINNAME=lakeside.local\n", "lakeside.local"},
		{"quoted", "DOMAINNAME=\"lakeside.local\"\n", "lakeside.local"},
		{"no_dot", "DOMAINNAME=workgroup\n", ""},
		{"missing", "ADDRESS=192.168.88.50\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := leaseDomainName(tt.lease)
			if got != tt.want {
				t.Errorf("leaseDomainName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscoverViaDHCP(t *testing.T) {
	dir := t.TempDir()
	lease := "ADDRESS=192.168.88.50\nDOMAINNAME=lakeside.local\n"
	if err := os.WriteFile(filepath.Join(dir, "2"), []byte(lease), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	origLease := dhcpLeaseDir
	dhcpLeaseDir = dir
	defer func() { dhcpLeaseDir = origLease }()

	// Keep resolv.conf parsing off real system files.
	origResolv := resolvConfPath
	resolvConfPath = filepath.Join(dir, "nonexistent")
	defer func() { resolvConfPath = origResolv }()

	dd := NewDomainDiscovery(nil)
	domain := dd.discoverViaDHCP(context.Background())
	if domain == nil {
		t.Fatal("expected domain from lease file")
	}
	if domain.DomainName != "lakeside.local" {
		t.Fatalf("expected lakeside.local, got %s", domain.DomainName)
	}
	if domain.NetBIOSName != "LAKESIDE" {
		t.Fatalf("expected LAKESIDE, got %s", domain.NetBIOSName)
	}
}

func TestNewDomainDiscovery(t *testing.T) {
	dd := NewDomainDiscovery([]string{"192.168.88.10"})
	if dd == nil {
		t.Fatal("expected non-nil")
	}
	if len(dd.knownCandidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(dd.knownCandidates))
	}
}

// --- AD enumeration tests ---

// mockExecutor implements ScriptExecutor for tests.
type mockExecutor struct {
	output string
	err    error
}

func (m *mockExecutor) RunScript(_ context.Context, _, _, _, _ string, _ int) (string, error) {
	return m.output, m.err
}

func TestEnumerateAll(t *testing.T) {
	computers := []map[string]interface{}{
		{
			"Name":                   "LKSDC01",
			"DNSHostName":            "lksdc01.lakeside.local",
			"IPv4Address":            "192.168.88.10",
			"OperatingSystem":        "Windows Server 2022 Standard",
			"OperatingSystemVersion": "10.0 (20348)",
			"DistinguishedName":      "CN=LKSDC01,OU=Servers,DC=lakeside,DC=local",
			"LastLogonDate":          "2026-08-17T12:00:00Z",
			"Enabled":                true,
			"PrimaryGroupID":         float64(516), // DC
		},
		{
			"Name":                   "CLINWS01",
			"DNSHostName":            "clinws01.lakeside.local",
			"IPv4Address":            "192.168.88.101",
			"OperatingSystem":        "Windows 11 Pro",
			"OperatingSystemVersion": "10.0 (22631)",
			"DistinguishedName":      "CN=CLINWS01,OU=Workstations,DC=lakeside,DC=local",
			"Enabled":                true,
			"PrimaryGroupID":         float64(515),
		},
		{
			"Name":                   "CLINWS02",
			"DNSHostName":            "clinws02.lakeside.local",
			"OperatingSystem":        "Windows 10 Enterprise",
			"Enabled":                true,
			"PrimaryGroupID":         float64(515),
		},
	}

	output, _ := json.Marshal(computers)
	exec := &mockExecutor{output: string(output)}

	enum := NewADEnumerator("lksdc01", "admin", "pass", "lakeside.local", exec)
	servers, workstations, err := enum.EnumerateAll(context.Background())
	if err != nil {
		t.Fatalf("EnumerateAll: %v", err)
	}

	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if servers[0].Hostname != "LKSDC01" {
		t.Fatalf("expected LKSDC01, got %s", servers[0].Hostname)
	}
	if !servers[0].IsDomainController {
		t.Fatal("LKSDC01 should be DC (PrimaryGroupID=516)")
	}

	if len(workstations) != 2 {
		t.Fatalf("expected 2 workstations, got %d", len(workstations))
	}
	if workstations[0].Hostname != "CLINWS01" {
		t.Fatalf("expected CLINWS01, got %s", workstations[0].Hostname)
	}
	if workstations[0].IPAddress == nil || *workstations[0].IPAddress != "192.168.88.101" {
		t.Fatal("CLINWS01 should have IP 192.168.88.101")
	}
	if workstations[1].IPAddress != nil {
		t.Fatal("CLINWS02 should have nil IP")
	}
}

func TestEnumerateAllSingleResult(t *testing.T) {
	single := map[string]interface{}{
		"Name":            "SOLO",
		"DNSHostName":     "solo.test.local",
		"OperatingSystem": "Windows Server 2019",
		"Enabled":         true,
		"PrimaryGroupID":  float64(515),
	}

	output, _ := json.Marshal(single)
	exec := &mockExecutor{output: string(output)}

	enum := NewADEnumerator("dc1", "admin", "pass", "test.local", exec)
	servers, _, err := enum.EnumerateAll(context.Background())
	if err != nil {
		t.Fatalf("EnumerateAll: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
}

func TestEnumerateAllEmpty(t *testing.T) {
	exec := &mockExecutor{output: "[]"}

	enum := NewADEnumerator("dc1", "admin", "pass", "test.local", exec)
	servers, workstations, err := enum.EnumerateAll(context.Background())
	if err != nil {
		t.Fatalf("EnumerateAll: %v", err)
	}
	if len(servers) != 0 || len(workstations) != 0 {
		t.Fatal("expected empty results")
	}
}

func TestEnumerateAllExecutorError(t *testing.T) {
	exec := &mockExecutor{err: fmt.Errorf("WinRM timeout")}

	enum := NewADEnumerator("dc1", "admin", "pass", "test.local", exec)
	_, _, err := enum.EnumerateAll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEnumerateAllNoExecutor(t *testing.T) {
	enum := NewADEnumerator("dc1", "admin", "pass", "test.local", nil)
	_, _, err := enum.EnumerateAll(context.Background())
	if err == nil {
		t.Fatal("expected error for nil executor")
	}
}

func TestParseADOutputInvalidJSON(t *testing.T) {
	_, err := parseADOutput("not json")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseADOutputEmptyString(t *testing.T) {
	computers, err := parseADOutput("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if computers != nil {
		t.Fatal("expected nil for empty string")
	}
}

func TestComputerClassification(t *testing.T) {
	tests := []struct {
		os            string
		pgid          int
		isServer      bool
		isWorkstation bool
		isDC          bool
	}{
		{"Windows Server 2022 Standard", 515, true, false, false},
		{"Windows Server 2019 Datacenter", 516, true, false, true},
		{"Windows 10 Pro", 515, false, true, false},
		{"Windows 11 Enterprise", 515, false, true, false},
		{"", 515, false, false, false},
	}

	for _, tt := range tests {
		raw := []map[string]interface{}{
			{
				"Name":            "TEST",
				"OperatingSystem": tt.os,
				"PrimaryGroupID":  float64(tt.pgid),
				"Enabled":         true,
			},
		}
		computers := classifyComputers(raw)
		c := computers[0]
		if c.IsServer != tt.isServer {
			t.Errorf("OS=%q: IsServer=%v, want %v", tt.os, c.IsServer, tt.isServer)
		}
		if c.IsWorkstation != tt.isWorkstation {
			t.Errorf("OS=%q: IsWorkstation=%v, want %v", tt.os, c.IsWorkstation, tt.isWorkstation)
		}
		if c.IsDomainController != tt.isDC {
			t.Errorf("OS=%q pgid=%d: IsDC=%v, want %v", tt.os, tt.pgid, c.IsDomainController, tt.isDC)
		}
	}
}

func TestTestConnectivity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ip := "127.0.0.1"
	reachable := &ADComputer{Hostname: "localhost", IPAddress: &ip}
	if !TestConnectivity(context.Background(), reachable, port) {
		t.Fatal("expected reachable")
	}

	// A port we just released: the dial fails immediately, no real
	// network involved.
	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedPort := closedLn.Addr().(*net.TCPAddr).Port
	closedLn.Close()

	unreachable := &ADComputer{Hostname: "localhost", IPAddress: &ip}
	if TestConnectivity(context.Background(), unreachable, closedPort) {
		t.Fatal("expected unreachable")
	}
}

func TestTestConnectivityEmptyHost(t *testing.T) {
	c := &ADComputer{}
	if TestConnectivity(context.Background(), c, 5985) {
		t.Fatal("expected false for empty host")
	}
}

func TestResolveMissingIPs(t *testing.T) {
	exec := &mockExecutor{}
	enum := NewADEnumerator("dc1", "admin", "pass", "test.local", exec)

	ip := "192.168.1.1"
	computers := []ADComputer{
		{Hostname: "existing", IPAddress: &ip, FQDN: "existing.test"},
		{Hostname: "localhost", FQDN: "localhost"}, // resolvable everywhere
	}

	enum.ResolveMissingIPs(context.Background(), computers)

	if *computers[0].IPAddress != "192.168.1.1" {
		t.Fatalf("existing IP should not change, got %s", *computers[0].IPAddress)
	}
	if computers[1].IPAddress == nil {
		t.Fatal("localhost should have resolved")
	}
}

// --- Reporter tests ---

func TestReportDomain(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reporter := NewReporter(srv.URL, "tok-123", "appl-001", "site-001")
	domain := &DiscoveredDomain{
		DomainName:      "lakeside.local",
		NetBIOSName:     "LAKESIDE",
		DiscoveredAt:    time.Now().UTC().Format(time.RFC3339),
		DiscoveryMethod: "dns_srv",
	}

	if err := reporter.ReportDomain(context.Background(), domain); err != nil {
		t.Fatalf("ReportDomain: %v", err)
	}

	if gotPath != "/api/appliances/domain-discovered" {
		t.Fatalf("expected /api/appliances/domain-discovered, got %s", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected Bearer tok-123, got %s", gotAuth)
	}
	if gotBody["appliance_id"] != "appl-001" {
		t.Fatalf("expected appliance_id appl-001, got %v", gotBody["appliance_id"])
	}
	if gotBody["domain_name"] != "lakeside.local" {
		t.Fatalf("expected flattened domain_name, got %v", gotBody["domain_name"])
	}
}

func TestReportEnumeration(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reporter := NewReporter(srv.URL, "tok-123", "appl-001", "site-001")
	result := &EnumerationResult{
		Workstations: []ADComputer{{Hostname: "CLINWS01"}},
		EnumeratedAt: time.Now().UTC().Format(time.RFC3339),
		TotalFound:   1,
	}

	if err := reporter.ReportEnumeration(context.Background(), result); err != nil {
		t.Fatalf("ReportEnumeration: %v", err)
	}

	if gotPath != "/api/appliances/enumeration-results" {
		t.Fatalf("expected /api/appliances/enumeration-results, got %s", gotPath)
	}
	if gotBody["total_found"] != float64(1) {
		t.Fatalf("expected total_found 1, got %v", gotBody["total_found"])
	}
}

func TestReportDomainServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reporter := NewReporter(srv.URL, "tok", "appl", "site")
	err := reporter.ReportDomain(context.Background(), &DiscoveredDomain{DomainName: "x.local"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestReporterNilSafety(t *testing.T) {
	var r *Reporter
	if err := r.ReportDomain(context.Background(), &DiscoveredDomain{}); err != nil {
		t.Fatalf("nil reporter should be a no-op, got %v", err)
	}
	if err := r.ReportEnumeration(context.Background(), &EnumerationResult{}); err != nil {
		t.Fatalf("nil reporter should be a no-op, got %v", err)
	}
}

func TestDiscoveredDomainJSON(t *testing.T) {
	d := &DiscoveredDomain{
		DomainName:        "lakeside.local",
		NetBIOSName:       "LAKESIDE",
		DomainControllers: []string{"lksdc01.lakeside.local"},
		DNSServers:        []string{"192.168.88.2"},
		DiscoveredAt:      "2026-08-17T00:00:00Z",
		DiscoveryMethod:   "dns_srv",
	}

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var d2 DiscoveredDomain
	if err := json.Unmarshal(data, &d2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if d2.DomainName != "lakeside.local" {
		t.Fatalf("expected lakeside.local, got %s", d2.DomainName)
	}
}
