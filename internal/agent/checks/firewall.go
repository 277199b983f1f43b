package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

// firewall profile keys under the FirewallPolicy registry branch. Private
// is historically "StandardProfile".
var firewallProfiles = map[string]string{
	"Domain":  `SYSTEM\CurrentControlSet\Services\SharedAccess\Parameters\FirewallPolicy\DomainProfile`,
	"Private": `SYSTEM\CurrentControlSet\Services\SharedAccess\Parameters\FirewallPolicy\StandardProfile`,
	"Public":  `SYSTEM\CurrentControlSet\Services\SharedAccess\Parameters\FirewallPolicy\PublicProfile`,
}

// CheckFirewall verifies the Windows Firewall service is running and all
// three profiles are enabled (HIPAA 164.312(e)(1)).
func CheckFirewall(ctx context.Context, _ Settings) Result {
	r := Result{
		Type:     "firewall",
		Control:  "164.312(e)(1)",
		Expected: "all firewall profiles enabled",
		Detail:   make(map[string]string),
	}

	svc, err := wmi.QueryOne(ctx, `root\CIMV2`,
		"SELECT State FROM Win32_Service WHERE Name = 'MpsSvc'")
	if err != nil {
		r.Err = err
		r.Actual = fmt.Sprintf("firewall service query failed: %v", err)
		return r
	}
	if state, _ := svc.String("State"); state != "Running" {
		r.Actual = fmt.Sprintf("MpsSvc state: %s", state)
		return r
	}

	var disabled []string
	for name, key := range firewallProfiles {
		// EnableFirewall: 1 enabled, 0 disabled. An unreadable value
		// means the profile was never policy-managed; treat as enabled.
		enabled := true
		if v, err := wmi.RegDWORD(ctx, wmi.HiveLocalMachine, key, "EnableFirewall"); err == nil {
			enabled = v == 1
		}
		r.Detail["profile_"+strings.ToLower(name)] = fmt.Sprintf("%v", enabled)
		if !enabled {
			disabled = append(disabled, name)
		}
	}

	if len(disabled) > 0 {
		sort.Strings(disabled)
		r.Actual = "disabled profiles: " + strings.Join(disabled, ", ")
		return r
	}

	r.Passed = true
	r.Actual = "Domain, Private, Public profiles enabled"
	return r
}
