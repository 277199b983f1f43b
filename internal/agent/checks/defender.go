package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

// CheckDefender verifies Windows Defender is active with fresh signatures
// (HIPAA 164.308(a)(5)(ii)(B)).
func CheckDefender(ctx context.Context, s Settings) Result {
	r := Result{
		Type:     "defender",
		Control:  "164.308(a)(5)(ii)(B)",
		Expected: "Defender enabled with current signatures",
		Detail:   make(map[string]string),
	}

	status, err := wmi.QueryOne(ctx, `root\Microsoft\Windows\Defender`,
		"SELECT AntivirusEnabled, RealTimeProtectionEnabled, AntivirusSignatureLastUpdated, AntivirusSignatureVersion FROM MSFT_MpComputerStatus")
	if err != nil {
		r.Err = err
		r.Actual = fmt.Sprintf("Defender status query failed: %v", err)
		return r
	}

	avOn, _ := status.Bool("AntivirusEnabled")
	rtOn, _ := status.Bool("RealTimeProtectionEnabled")
	r.Detail["antivirus_enabled"] = fmt.Sprintf("%v", avOn)
	r.Detail["realtime_enabled"] = fmt.Sprintf("%v", rtOn)

	if !avOn || !rtOn {
		r.Actual = fmt.Sprintf("AntivirusEnabled=%v, RealTimeProtectionEnabled=%v", avOn, rtOn)
		return r
	}

	if v, ok := status.String("AntivirusSignatureVersion"); ok {
		r.Detail["signature_version"] = v
	}
	if dmt, ok := status.String("AntivirusSignatureLastUpdated"); ok {
		r.Detail["signature_date"] = dmt
		if updated, err := parseDMTF(dmt); err == nil {
			age := time.Since(updated)
			r.Detail["signature_age_hours"] = fmt.Sprintf("%.1f", age.Hours())
			if age > s.SignatureMaxAge {
				r.Expected = fmt.Sprintf("signatures updated within %d days", int(s.SignatureMaxAge.Hours()/24))
				r.Actual = fmt.Sprintf("signatures %d days old", int(age.Hours()/24))
				return r
			}
		}
	}

	r.Passed = true
	r.Actual = "Defender enabled with current signatures"
	return r
}

// parseDMTF reads the date portion of a DMTF datetime string
// (yyyymmddHHMMSS.ffffff+UUU); the UTC offset suffix is ignored.
func parseDMTF(v string) (time.Time, error) {
	if len(v) < 14 {
		return time.Time{}, fmt.Errorf("short DMTF datetime %q", v)
	}
	return time.Parse("20060102150405", v[:14])
}
