//go:build windows

package healing

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

// healers maps check types to their PowerShell remediations.
var healers = map[string]func(ctx context.Context, cmd *pb.HealCommand) (artifacts map[string]string, err error){
	"firewall":   healFirewall,
	"defender":   healDefender,
	"screenlock": healScreenLock,
	"bitlocker":  healBitLocker,
}

const (
	defaultHealTimeout = 60 * time.Second
	maxHealTimeout     = 10 * time.Minute
)

// Execute runs one heal command under its timeout and returns the result.
func Execute(ctx context.Context, cmd *pb.HealCommand) *Result {
	timeout := defaultHealTimeout
	if ts := cmd.GetTimeoutSeconds(); ts > 0 && time.Duration(ts)*time.Second <= maxHealTimeout {
		timeout = time.Duration(ts) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &Result{
		CommandID: cmd.GetCommandId(),
		CheckType: cmd.GetCheckType(),
		Action:    cmd.GetAction(),
	}

	heal, ok := healers[cmd.GetCheckType()]
	if !ok {
		res.Error = fmt.Sprintf("no remediation for check_type %q", cmd.GetCheckType())
		return res
	}

	log.Printf("[heal] running %s/%s (id=%s, timeout=%v)",
		cmd.GetCheckType(), cmd.GetAction(), cmd.GetCommandId(), timeout)

	artifacts, err := heal(execCtx, cmd)
	if err != nil {
		res.Error = err.Error()
		log.Printf("[heal] %s/%s failed (id=%s): %v",
			cmd.GetCheckType(), cmd.GetAction(), cmd.GetCommandId(), err)
		return res
	}
	res.Success = true
	res.Artifacts = artifacts
	log.Printf("[heal] %s/%s succeeded (id=%s)", cmd.GetCheckType(), cmd.GetAction(), cmd.GetCommandId())
	return res
}

// runPS runs a script through PowerShell with errors promoted to non-zero
// exit status.
func runPS(ctx context.Context, script string) (string, error) {
	ps := exec.CommandContext(ctx, "powershell.exe",
		"-NoProfile", "-NonInteractive", "-Command",
		"$ErrorActionPreference='Stop'; "+script)
	out, err := ps.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("powershell: %w: %s", err, text)
	}
	return text, nil
}

func healFirewall(ctx context.Context, _ *pb.HealCommand) (map[string]string, error) {
	_, err := runPS(ctx, `Set-NetFirewallProfile -Profile Domain,Public,Private -Enabled True`)
	return nil, err
}

func healDefender(ctx context.Context, _ *pb.HealCommand) (map[string]string, error) {
	_, err := runPS(ctx, `Set-MpPreference -DisableRealtimeMonitoring $false`)
	return nil, err
}

func healScreenLock(ctx context.Context, cmd *pb.HealCommand) (map[string]string, error) {
	timeoutSecs := 900
	if v, ok := cmd.GetParams()["timeout_seconds"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 3600 {
			timeoutSecs = n
		}
	}
	script := fmt.Sprintf(`
$path = 'HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Policies\System'
if (!(Test-Path $path)) { New-Item -Path $path -Force | Out-Null }
Set-ItemProperty -Path $path -Name 'InactivityTimeoutSecs' -Value %d -Type DWord
`, timeoutSecs)
	_, err := runPS(ctx, script)
	return nil, err
}

// healBitLocker enables protection on the system drive and surfaces the
// recovery password so the appliance can escrow it.
func healBitLocker(ctx context.Context, _ *pb.HealCommand) (map[string]string, error) {
	const script = `
$vol = Get-BitLockerVolume -MountPoint 'C:' -ErrorAction SilentlyContinue
if ($null -eq $vol) {
    Enable-BitLocker -MountPoint 'C:' -EncryptionMethod XtsAes256 -TpmProtector -SkipHardwareTest
}
$rp = (Get-BitLockerVolume -MountPoint 'C:').KeyProtector | Where-Object { $_.KeyProtectorType -eq 'RecoveryPassword' }
if ($null -eq $rp) {
    Add-BitLockerKeyProtector -MountPoint 'C:' -RecoveryPasswordProtector | Out-Null
    $rp = (Get-BitLockerVolume -MountPoint 'C:').KeyProtector | Where-Object { $_.KeyProtectorType -eq 'RecoveryPassword' }
}
Write-Output "RECOVERY_KEY=$($rp.RecoveryPassword)"
Write-Output "PROTECTOR_ID=$($rp.KeyProtectorId)"
`
	out, err := runPS(ctx, script)
	if err != nil {
		return nil, err
	}

	artifacts := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "RECOVERY_KEY="); ok {
			artifacts["recovery_key"] = v
		}
		if v, ok := strings.CutPrefix(line, "PROTECTOR_ID="); ok {
			artifacts["protector_id"] = v
		}
	}
	return artifacts, nil
}
