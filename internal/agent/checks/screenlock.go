package checks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

const desktopKey = `Control Panel\Desktop`

// CheckScreenLock verifies an inactivity screen lock with password on
// resume is configured within the allowed timeout
// (HIPAA 164.312(a)(2)(i)).
func CheckScreenLock(ctx context.Context, s Settings) Result {
	maxMinutes := int(s.ScreenLockMax.Minutes())
	r := Result{
		Type:     "screenlock",
		Control:  "164.312(a)(2)(i)",
		Expected: fmt.Sprintf("screen lock with password within %d min", maxMinutes),
		Detail:   make(map[string]string),
	}

	// The screen saver policy lives in HKCU string values. Values that
	// cannot be read count as unset.
	active := regStringEquals(ctx, desktopKey, "ScreenSaveActive", "1")
	secure := regStringEquals(ctx, desktopKey, "ScreenSaverIsSecure", "1")

	timeoutSeconds := 0
	if v, err := wmi.RegString(ctx, wmi.HiveCurrentUser, desktopKey, "ScreenSaveTimeOut"); err == nil {
		if t, err := strconv.Atoi(v); err == nil {
			timeoutSeconds = t
		}
	}

	r.Detail["screensaver_active"] = fmt.Sprintf("%v", active)
	r.Detail["screensaver_timeout_seconds"] = strconv.Itoa(timeoutSeconds)
	r.Detail["password_protected"] = fmt.Sprintf("%v", secure)

	switch {
	case !active:
		r.Actual = "screen saver disabled"
	case timeoutSeconds > int(s.ScreenLockMax.Seconds()):
		r.Actual = fmt.Sprintf("screen timeout: %d minutes", timeoutSeconds/60)
	case !secure:
		r.Actual = "password not required on resume"
	default:
		r.Passed = true
		r.Actual = fmt.Sprintf("screen lock after %d min, password required", timeoutSeconds/60)
	}
	return r
}

func regStringEquals(ctx context.Context, key, name, want string) bool {
	v, err := wmi.RegString(ctx, wmi.HiveCurrentUser, key, name)
	return err == nil && v == want
}
