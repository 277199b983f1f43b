//go:build windows

package discovery

import (
	"context"
	"os"
	"strings"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

// MachineDomain returns the AD domain the machine is joined to, or empty
// for workgroup machines. USERDNSDOMAIN covers interactive sessions; the
// agent usually runs as LocalSystem, where only WMI knows the domain.
func MachineDomain(ctx context.Context) string {
	if d := os.Getenv("USERDNSDOMAIN"); d != "" {
		return strings.ToLower(d)
	}

	cs, err := wmi.QueryOne(ctx, `root\CIMV2`, "SELECT Domain FROM Win32_ComputerSystem")
	if err != nil {
		return ""
	}
	domain, _ := cs.String("Domain")
	if domain == "" || strings.EqualFold(domain, "WORKGROUP") {
		return ""
	}
	return strings.ToLower(domain)
}
