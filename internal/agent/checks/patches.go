package checks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

// registry keys whose presence marks a pending reboot from updates.
var rebootPendingKeys = []string{
	`SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`,
	`SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`,
}

// CheckPatches verifies Windows Update hotfixes are recent and no reboot
// is pending (HIPAA 164.308(a)(1)(ii)(B)).
func CheckPatches(ctx context.Context, s Settings) Result {
	maxDays := int(s.PatchMaxAge.Hours() / 24)
	r := Result{
		Type:     "patches",
		Control:  "164.308(a)(1)(ii)(B)",
		Expected: fmt.Sprintf("patches within %d days, no pending reboot", maxDays),
		Detail:   make(map[string]string),
	}

	pendingReboot := false
	for _, key := range rebootPendingKeys {
		if exists, err := wmi.RegKeyExists(ctx, wmi.HiveLocalMachine, key); err == nil && exists {
			pendingReboot = true
			break
		}
	}
	r.Detail["pending_reboot"] = fmt.Sprintf("%v", pendingReboot)

	hotfixes, err := wmi.Query(ctx, `root\CIMV2`,
		"SELECT HotFixID, InstalledOn FROM Win32_QuickFixEngineering")
	if err != nil {
		r.Err = err
		r.Actual = fmt.Sprintf("hotfix query failed: %v", err)
		return r
	}
	r.Detail["installed_hotfixes"] = strconv.Itoa(len(hotfixes))

	var latest time.Time
	var latestID string
	for _, hf := range hotfixes {
		id, ok := hf.String("HotFixID")
		if !ok {
			continue
		}
		raw, ok := hf.String("InstalledOn")
		if !ok {
			continue
		}
		if t, err := parseHotfixDate(raw); err == nil && t.After(latest) {
			latest = t
			latestID = id
		}
	}

	if !latest.IsZero() {
		age := time.Since(latest)
		r.Detail["latest_hotfix"] = latestID
		r.Detail["latest_date"] = latest.Format("2006-01-02")
		r.Detail["days_since_patch"] = strconv.Itoa(int(age.Hours() / 24))

		if age > s.PatchMaxAge {
			r.Actual = fmt.Sprintf("last patch %d days ago (%s)", int(age.Hours()/24), latestID)
			return r
		}
	}

	if pendingReboot {
		r.Actual = "reboot required to complete updates"
		return r
	}

	r.Passed = true
	if latestID != "" {
		r.Actual = fmt.Sprintf("last patch: %s (%s)", latestID, latest.Format("2006-01-02"))
	} else {
		r.Actual = "no hotfix history, no pending reboot"
	}
	return r
}

// parseHotfixDate handles the handful of date layouts
// Win32_QuickFixEngineering emits for InstalledOn.
func parseHotfixDate(v string) (time.Time, error) {
	for _, layout := range []string{"1/2/2006", "01/02/2006", "2006-01-02", "1/2/2006 0:00"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable hotfix date %q", v)
}
