// Package checkin implements the appliance checkin fan-in endpoint.
//
// Every appliance POSTs /api/appliances/checkin on a jittered 60 s
// interval; this is the single synchronous surface most appliances ever
// touch. One database transaction per checkin: dedup/merge, upsert,
// order delivery and trigger clearing all commit or roll back together.
package checkin

import (
	"strings"
	"time"
)

// Request is the checkin payload an appliance posts. The server derives
// the appliance identity from site_id plus the normalized MAC, so the
// MAC must be stable across reboots.
type Request struct {
	SiteID              string   `json:"site_id"`
	Hostname            string   `json:"hostname"`
	MACAddress          string   `json:"mac_address"`
	IPAddresses         []string `json:"ip_addresses"`
	UptimeSeconds       *int     `json:"uptime_seconds,omitempty"`
	AgentVersion        *string  `json:"agent_version,omitempty"`
	NixOSVersion        *string  `json:"nixos_version,omitempty"`
	HasLocalCredentials bool     `json:"has_local_credentials"`
	AgentPublicKey      *string  `json:"agent_public_key,omitempty"`
}

// Response is the JSON body sent back to the appliance.
type Response struct {
	Status               string          `json:"status"`
	ApplianceID          string          `json:"appliance_id"`
	ServerTime           string          `json:"server_time"`
	ServerPublicKey      string          `json:"server_public_key"`
	MergedDuplicates     int             `json:"merged_duplicates"`
	PendingOrders        []PendingOrder  `json:"pending_orders"`
	WindowsTargets       []WindowsTarget `json:"windows_targets"`
	LinuxTargets         []LinuxTarget   `json:"linux_targets"`
	EnabledRunbooks      []string        `json:"enabled_runbooks"`
	L2Mode               string          `json:"l2_mode"`
	SubscriptionStatus   string          `json:"subscription_status"`
	TriggerEnumeration   bool            `json:"trigger_enumeration"`
	TriggerImmediateScan bool            `json:"trigger_immediate_scan"`
}

// PendingOrder is a signed order delivered in the checkin response. The
// signed_payload is stored and delivered verbatim; the appliance verifies
// the signature over those exact bytes before dispatching.
type PendingOrder struct {
	OrderID       string                 `json:"order_id"`
	OrderType     string                 `json:"order_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	Priority      int                    `json:"priority"`
	CreatedAt     *string                `json:"created_at"`
	ExpiresAt     *string                `json:"expires_at"`
	RunbookID     string                 `json:"runbook_id,omitempty"`
	Nonce         string                 `json:"nonce"`
	Signature     string                 `json:"signature"`
	SignedPayload string                 `json:"signed_payload"`
}

// WindowsTarget is a WinRM credential set for a Windows machine. Role is
// "domain_admin" for DC credentials; appliances prefer those when picking
// an enumeration target.
type WindowsTarget struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseSSL   bool   `json:"use_ssl"`
	Role     string `json:"role"`
}

// LinuxTarget is an SSH credential set for a Linux machine.
type LinuxTarget struct {
	Hostname     string  `json:"hostname"`
	Port         int     `json:"port"`
	Username     string  `json:"username"`
	Password     *string `json:"password,omitempty"`
	SudoPassword *string `json:"sudo_password,omitempty"`
	PrivateKey   *string `json:"private_key,omitempty"`
	Label        *string `json:"label,omitempty"`
}

// NormalizeMAC normalizes a MAC address to uppercase colon-separated form.
// "84:3a:5b:91:b6:61" -> "84:3A:5B:91:B6:61"
// "84-3A-5B-91-B6-61" -> "84:3A:5B:91:B6:61"
// "843a5b91b661"      -> "84:3A:5B:91:B6:61"
func NormalizeMAC(mac string) string {
	clean := CleanMAC(mac)
	if len(clean) != 12 {
		return mac // Not a MAC we recognize, keep as-is
	}
	var parts []string
	for i := 0; i < 12; i += 2 {
		parts = append(parts, clean[i:i+2])
	}
	return strings.Join(parts, ":")
}

// CleanMAC strips separators and uppercases for comparison.
func CleanMAC(mac string) string {
	return strings.ToUpper(
		strings.NewReplacer(":", "", "-", "", ".", "").Replace(mac),
	)
}

// CanonicalApplianceID derives the deterministic appliance ID the whole
// fleet keys on: "{site_id}-{normalized MAC}".
func CanonicalApplianceID(siteID, mac string) string {
	return siteID + "-" + NormalizeMAC(mac)
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func isoTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
