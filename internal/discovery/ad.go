package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// ADComputer is one computer object pulled from Active Directory.
type ADComputer struct {
	Hostname           string  `json:"hostname"`
	FQDN               string  `json:"fqdn"`
	IPAddress          *string `json:"ip_address,omitempty"`
	OSName             string  `json:"os_name"`
	OSVersion          string  `json:"os_version"`
	IsServer           bool    `json:"is_server"`
	IsWorkstation      bool    `json:"is_workstation"`
	IsDomainController bool    `json:"is_domain_controller"`
	OUPath             string  `json:"ou_path"`
	LastLogon          *string `json:"last_logon,omitempty"`
	Enabled            bool    `json:"enabled"`
}

// EnumerationResult is the wire payload for an enumeration run, including
// which hosts answered on the WinRM port.
type EnumerationResult struct {
	Servers      []ADComputer `json:"servers"`
	Workstations []ADComputer `json:"workstations"`
	Reachable    []ADComputer `json:"reachable"`
	Unreachable  []ADComputer `json:"unreachable"`
	EnumeratedAt string       `json:"enumerated_at"`
	TotalFound   int          `json:"total_found"`
}

// ScriptExecutor runs a PowerShell script on a remote Windows host. The
// daemon satisfies this with its WinRM executor; tests use a mock.
type ScriptExecutor interface {
	RunScript(ctx context.Context, hostname, script, username, password string, timeout int) (string, error)
}

// ADEnumerator queries a domain controller for computer objects.
type ADEnumerator struct {
	domainController string
	username         string
	password         string
	domain           string
	executor         ScriptExecutor
}

// NewADEnumerator builds an enumerator bound to one DC and credential pair.
func NewADEnumerator(dc, username, password, domain string, executor ScriptExecutor) *ADEnumerator {
	return &ADEnumerator{
		domainController: dc,
		username:         username,
		password:         password,
		domain:           domain,
		executor:         executor,
	}
}

// adEnumScript dumps every computer object as compact JSON. LastLogonDate is
// normalized to RFC3339 on the DC so the parse side never sees locale dates.
const adEnumScript = `
Import-Module ActiveDirectory -ErrorAction SilentlyContinue

$props = @("Name", "DNSHostName", "IPv4Address", "OperatingSystem",
           "OperatingSystemVersion", "DistinguishedName", "LastLogonDate",
           "Enabled", "PrimaryGroupID")
$computers = Get-ADComputer -Filter * -Properties $props

$result = @()
foreach ($c in $computers) {
    $result += @{
        Name                   = $c.Name
        DNSHostName            = $c.DNSHostName
        IPv4Address            = $c.IPv4Address
        OperatingSystem        = $c.OperatingSystem
        OperatingSystemVersion = $c.OperatingSystemVersion
        DistinguishedName      = $c.DistinguishedName
        LastLogonDate          = if ($c.LastLogonDate) { $c.LastLogonDate.ToUniversalTime().ToString("o") } else { $null }
        Enabled                = $c.Enabled
        PrimaryGroupID         = $c.PrimaryGroupID
    }
}

$result | ConvertTo-Json -Compress
`

// EnumerateAll queries the DC and splits results into servers and
// workstations. Objects that classify as neither are dropped.
func (e *ADEnumerator) EnumerateAll(ctx context.Context) ([]ADComputer, []ADComputer, error) {
	if e.executor == nil {
		return nil, nil, fmt.Errorf("no script executor configured")
	}

	log.Printf("[discovery] Starting AD enumeration against %s", e.domainController)

	output, err := e.executor.RunScript(ctx, e.domainController, adEnumScript, e.username, e.password, 120)
	if err != nil {
		return nil, nil, fmt.Errorf("AD enumeration failed: %w", err)
	}

	computers, err := parseADOutput(output)
	if err != nil {
		return nil, nil, fmt.Errorf("parse AD output: %w", err)
	}

	var servers, workstations []ADComputer
	for _, c := range computers {
		switch {
		case c.IsServer || c.IsDomainController:
			servers = append(servers, c)
		case c.IsWorkstation:
			workstations = append(workstations, c)
		}
	}

	log.Printf("[discovery] Enumerated %d computers: %d servers, %d workstations",
		len(computers), len(servers), len(workstations))

	return servers, workstations, nil
}

// EnumerateWithConnectivity enumerates and probes each host on the WinRM
// port, producing the full report the control plane expects.
func (e *ADEnumerator) EnumerateWithConnectivity(ctx context.Context, port int) (*EnumerationResult, error) {
	servers, workstations, err := e.EnumerateAll(ctx)
	if err != nil {
		return nil, err
	}

	if port == 0 {
		port = 5985
	}

	all := append(append([]ADComputer{}, servers...), workstations...)
	e.ResolveMissingIPs(ctx, all)

	var reachable, unreachable []ADComputer
	for i := range all {
		if TestConnectivity(ctx, &all[i], port) {
			reachable = append(reachable, all[i])
		} else {
			unreachable = append(unreachable, all[i])
		}
	}

	return &EnumerationResult{
		Servers:      servers,
		Workstations: workstations,
		Reachable:    reachable,
		Unreachable:  unreachable,
		EnumeratedAt: time.Now().UTC().Format(time.RFC3339),
		TotalFound:   len(all),
	}, nil
}

// ResolveMissingIPs fills in IPAddress for computers AD had no IPv4 for.
func (e *ADEnumerator) ResolveMissingIPs(ctx context.Context, computers []ADComputer) {
	for i := range computers {
		if computers[i].IPAddress != nil && *computers[i].IPAddress != "" {
			continue
		}

		fqdn := computers[i].FQDN
		if fqdn == "" {
			fqdn = computers[i].Hostname
		}

		ips, err := net.DefaultResolver.LookupHost(ctx, fqdn)
		if err != nil || len(ips) == 0 {
			continue
		}

		for _, ip := range ips {
			if net.ParseIP(ip).To4() != nil {
				computers[i].IPAddress = &ip
				break
			}
		}
	}
}

// TestConnectivity does a plain TCP connect to the host on the given port.
func TestConnectivity(ctx context.Context, target *ADComputer, port int) bool {
	var host string
	switch {
	case target.IPAddress != nil && *target.IPAddress != "":
		host = *target.IPAddress
	case target.FQDN != "":
		host = target.FQDN
	default:
		host = target.Hostname
	}
	if host == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// parseADOutput decodes Get-ADComputer JSON. ConvertTo-Json emits a bare
// object instead of an array when exactly one computer matches.
func parseADOutput(output string) ([]ADComputer, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var rawArray []map[string]interface{}
	if err := json.Unmarshal([]byte(output), &rawArray); err == nil {
		return classifyComputers(rawArray), nil
	}

	var rawObj map[string]interface{}
	if err := json.Unmarshal([]byte(output), &rawObj); err == nil {
		return classifyComputers([]map[string]interface{}{rawObj}), nil
	}

	return nil, fmt.Errorf("failed to parse AD JSON output")
}

// classifyComputers maps raw AD attributes to ADComputer records and assigns
// the server/workstation/DC roles.
func classifyComputers(raw []map[string]interface{}) []ADComputer {
	computers := make([]ADComputer, 0, len(raw))
	for _, m := range raw {
		c := ADComputer{
			Hostname:  strField(m, "Name"),
			FQDN:      strField(m, "DNSHostName"),
			OSName:    strField(m, "OperatingSystem"),
			OSVersion: strField(m, "OperatingSystemVersion"),
			OUPath:    strField(m, "DistinguishedName"),
			Enabled:   boolField(m, "Enabled"),
		}

		if ip := strField(m, "IPv4Address"); ip != "" {
			c.IPAddress = &ip
		}
		if logon := strField(m, "LastLogonDate"); logon != "" {
			c.LastLogon = &logon
		}

		osLower := strings.ToLower(c.OSName)
		c.IsServer = strings.Contains(osLower, "server")
		c.IsWorkstation = !c.IsServer && (strings.Contains(osLower, "windows 10") ||
			strings.Contains(osLower, "windows 11") ||
			strings.Contains(osLower, "professional") ||
			strings.Contains(osLower, "enterprise"))

		// PrimaryGroupID 516 is the Domain Controllers group.
		c.IsDomainController = intField(m, "PrimaryGroupID") == 516

		computers = append(computers, c)
	}
	return computers
}

// --- Map access helpers ---

func strField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolField(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
