package checks

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

var bitlockerMethods = map[int]string{
	0: "None",
	1: "AES_128_WITH_DIFFUSER",
	2: "AES_256_WITH_DIFFUSER",
	3: "AES_128",
	4: "AES_256",
	5: "HARDWARE_ENCRYPTION",
	6: "XTS_AES_128",
	7: "XTS_AES_256",
}

// CheckBitLocker verifies the system drive is protected by BitLocker
// (HIPAA 164.312(a)(2)(iv)). ProtectionStatus 1 means protection is on.
func CheckBitLocker(ctx context.Context, _ Settings) Result {
	r := Result{
		Type:     "bitlocker",
		Control:  "164.312(a)(2)(iv)",
		Expected: "ProtectionStatus=1 (On)",
		Detail:   make(map[string]string),
	}

	vol, err := wmi.QueryOne(ctx, `root\CIMV2\Security\MicrosoftVolumeEncryption`,
		"SELECT DriveLetter, ProtectionStatus, EncryptionMethod FROM Win32_EncryptableVolume WHERE DriveLetter = 'C:'")
	if errors.Is(err, wmi.ErrNoResults) {
		r.Actual = "no encryptable volumes found"
		return r
	}
	if err != nil {
		r.Err = err
		r.Actual = fmt.Sprintf("BitLocker query failed: %v", err)
		return r
	}

	if method, ok := vol.Int("EncryptionMethod"); ok {
		name := bitlockerMethods[method]
		if name == "" {
			name = fmt.Sprintf("unknown(%d)", method)
		}
		r.Detail["encryption_method"] = name
	}

	status, ok := vol.Int("ProtectionStatus")
	if !ok {
		r.Actual = "could not read ProtectionStatus"
		return r
	}
	if status != 1 {
		r.Actual = fmt.Sprintf("ProtectionStatus=%d", status)
		if drive, ok := vol.String("DriveLetter"); ok {
			r.Detail["drive_letter"] = drive
		}
		return r
	}

	r.Passed = true
	r.Actual = "ProtectionStatus=1 (On)"
	return r
}
