package daemon

// healing_executor.go wires healing decisions to the WinRM/SSH executors.
//
// The L1 engine and the L2 planner both produce an action+params; this file
// provides the ActionExecutor that dispatches those to the right transport
// (WinRM for Windows, SSH or local bash for Linux). It gates disruptive
// remediations on the maintenance window, captures pre-state via the detect
// phase, and rolls back when post-remediation verification fails.
//
// Runbook scripts are loaded from runbooks.json (embedded at compile time
// via go:embed in runbooks_embed.go).

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/meridianmsp/fleet/internal/healing"
	"github.com/meridianmsp/fleet/internal/sshexec"
	"github.com/meridianmsp/fleet/internal/winrm"
)

// runbookEntry is a single runbook loaded from the embedded JSON.
type runbookEntry struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Platform        string   `json:"platform"`
	DetectScript    string   `json:"detect_script"`
	RemediateScript string   `json:"remediate_script"`
	VerifyScript    string   `json:"verify_script"`
	RollbackScript  string   `json:"rollback_script,omitempty"`
	Disruptive      bool     `json:"disruptive"`
	HIPAAControls   []string `json:"hipaa_controls"`
	Severity        string   `json:"severity"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
}

// actionRunbooks maps bare planner actions to builtin runbooks, for L2
// decisions that name an action without shipping a script.
var actionRunbooks = map[string]string{
	"configure_firewall":        "RB-WIN-FIREWALL-001",
	"restore_firewall_baseline": "RB-WIN-FIREWALL-001",
	"enable_defender":           "RB-WIN-DEFENDER-001",
	"restart_av_service":        "RB-WIN-DEFENDER-001",
	"fix_audit_policy":          "RB-WIN-AUDIT-001",
	"apply_ssh_hardening":       "RB-LIN-SSH-001",
	"fix_ntp":                   "RB-LIN-NTP-001",
	"fix_permissions":           "RB-LIN-PERMS-001",
}

// makeActionExecutor returns a healing.ActionExecutor that dispatches actions
// to the daemon's WinRM and SSH executors. The returned function closes over
// the daemon's executor instances and config.
func (d *Daemon) makeActionExecutor() healing.ActionExecutor {
	return func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		switch action {
		case healing.ActionExecuteRunbook:
			return d.executeRunbook(params, hostID, "")
		case "run_windows_runbook":
			return d.executeRunbook(params, hostID, "windows")
		case "run_linux_runbook":
			return d.executeRunbook(params, hostID, "linux")
		case healing.ActionEscalate:
			reason, _ := params["reason"].(string)
			if reason == "" {
				reason = "rule action is escalate"
			}
			log.Printf("[l1-exec] Escalating to L3: host=%s reason=%s", hostID, reason)
			return map[string]interface{}{"success": true, "escalated": true, "reason": reason}, nil
		default:
			// L2 guardrail actions: a vetted script, or a bare action name
			// that maps to a builtin runbook.
			if script, _ := params["script"].(string); script != "" {
				return d.executeAdHocScript(action, script, params, hostID)
			}
			if rbID, ok := actionRunbooks[action]; ok {
				return d.executeRunbook(map[string]interface{}{"runbook_id": rbID}, hostID, "")
			}
			return nil, fmt.Errorf("unknown action: %s", action)
		}
	}
}

// executeRunbook runs a remediation runbook via WinRM (windows) or SSH (linux).
//
// Phase failures come back as a result map with success=false rather than a
// Go error so the captured pre-state survives into the incident record; Go
// errors are reserved for structural problems (unknown runbook, no creds).
func (d *Daemon) executeRunbook(params map[string]interface{}, hostID, platform string) (map[string]interface{}, error) {
	runbookID, _ := params["runbook_id"].(string)
	if runbookID == "" {
		return nil, fmt.Errorf("runbook_id required")
	}

	rb, ok := runbookRegistry[runbookID]
	if !ok {
		return nil, fmt.Errorf("unknown runbook: %s (registry has %d entries)", runbookID, len(runbookRegistry))
	}

	// The checkin allowlist can restrict which runbooks this site may run.
	if !d.runbookEnabled(runbookID) {
		return nil, fmt.Errorf("runbook %s not enabled for this site", runbookID)
	}

	if platform == "" {
		platform = runbookPlatform(rb, runbookID)
	}

	// Disruptive remediations wait for the maintenance window.
	if rb.Disruptive && !d.inMaintenanceWindow() {
		log.Printf("[l1-exec] %s is disruptive, deferring until maintenance window %s",
			runbookID, d.windowString())
		return map[string]interface{}{
			"success":  false,
			"deferred": true,
			"reason": fmt.Sprintf("disruptive runbook %s outside maintenance window %s",
				runbookID, d.windowString()),
		}, nil
	}

	phases := phaseList(params, rb)

	timeout := rb.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}

	phaseScripts := map[string]string{
		"detect":    rb.DetectScript,
		"remediate": rb.RemediateScript,
		"verify":    rb.VerifyScript,
	}

	results := map[string]interface{}{}

	for _, phaseStr := range phases {
		script := phaseScripts[phaseStr]
		if script == "" {
			continue
		}

		log.Printf("[l1-exec] %s %s phase=%s on %s", platform, runbookID, phaseStr, hostID)

		out, err := d.runPhase(platform, hostID, script, runbookID, phaseStr, timeout, rb.HIPAAControls)
		if err != nil {
			return nil, err
		}

		if !out.ok {
			// Verification failure after a remediation rolls the host back
			// to the captured pre-state.
			if phaseStr == "verify" && rb.RollbackScript != "" {
				return d.rollback(rb, platform, hostID, runbookID, timeout, results, out.errMsg)
			}
			res := map[string]interface{}{
				"success": false,
				"phase":   phaseStr,
				"error":   fmt.Sprintf("%s phase %s failed: %s", runbookID, phaseStr, out.errMsg),
			}
			if pre, ok := results["pre_state"]; ok {
				res["pre_state"] = pre
			}
			return res, nil
		}

		if phaseStr == "detect" {
			results["pre_state"] = out.out
		} else {
			results[phaseStr] = out.out
		}
	}

	results["success"] = true
	return results, nil
}

// phaseList resolves which phases to run: explicit from params, else detect
// first when the runbook carries a detect script so pre-state is captured.
func phaseList(params map[string]interface{}, rb *runbookEntry) []string {
	if raw, _ := params["phases"].([]interface{}); len(raw) > 0 {
		phases := make([]string, 0, len(raw))
		for _, p := range raw {
			if s, ok := p.(string); ok {
				phases = append(phases, s)
			}
		}
		if len(phases) > 0 {
			return phases
		}
	}
	if rb.DetectScript != "" {
		return []string{"detect", "remediate", "verify"}
	}
	return []string{"remediate", "verify"}
}

// rollback runs the runbook's rollback script after a failed verification.
// A successful rollback reports reverted; a failed one stays a plain failure
// with the rollback error attached.
func (d *Daemon) rollback(rb *runbookEntry, platform, hostID, runbookID string, timeout int, results map[string]interface{}, verifyErr string) (map[string]interface{}, error) {
	log.Printf("[l1-exec] %s verify failed on %s, rolling back", runbookID, hostID)

	res := map[string]interface{}{
		"success": false,
		"phase":   "verify",
		"error":   fmt.Sprintf("%s verify failed: %s", runbookID, verifyErr),
	}
	if pre, ok := results["pre_state"]; ok {
		res["pre_state"] = pre
	}

	out, err := d.runPhase(platform, hostID, rb.RollbackScript, runbookID, "rollback", timeout, rb.HIPAAControls)
	switch {
	case err != nil:
		res["rollback_error"] = err.Error()
	case !out.ok:
		res["rollback_error"] = out.errMsg
	default:
		res["reverted"] = true
		res["rollback"] = out.out
	}
	return res, nil
}

// executeAdHocScript runs an L2-planned script directly. Planned scripts
// count as disruptive unless the decision says otherwise, so they are
// window-gated like disruptive runbooks.
func (d *Daemon) executeAdHocScript(action, script string, params map[string]interface{}, hostID string) (map[string]interface{}, error) {
	platform, _ := params["platform"].(string)
	if platform == "" {
		platform = "windows"
	}

	disruptive := true
	if v, ok := params["disruptive"].(bool); ok {
		disruptive = v
	}
	if disruptive && !d.inMaintenanceWindow() {
		return map[string]interface{}{
			"success":  false,
			"deferred": true,
			"reason":   fmt.Sprintf("action %s outside maintenance window %s", action, d.windowString()),
		}, nil
	}

	timeout := 120
	if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
		timeout = int(v)
	}

	out, err := d.runPhase(platform, hostID, script, "L2-"+strings.ToUpper(action), "remediate", timeout, nil)
	if err != nil {
		return nil, err
	}

	res := map[string]interface{}{"success": out.ok, "output": out.out}
	if !out.ok {
		res["error"] = out.errMsg
	}
	return res, nil
}

// phaseResult is the transport-neutral outcome of one script run.
type phaseResult struct {
	ok     bool
	errMsg string
	out    map[string]interface{}
}

// runPhase executes one script on the target host over the platform's
// transport. Structural problems (no creds, unknown platform) return an
// error; script failures return ok=false.
func (d *Daemon) runPhase(platform, hostID, script, runbookID, phase string, timeout int, hipaaControls []string) (phaseResult, error) {
	switch platform {
	case "windows":
		target := d.buildHealingWinRMTarget(hostID)
		if target == nil {
			return phaseResult{}, fmt.Errorf("no WinRM credentials for host %s", hostID)
		}
		result := d.winrmExec.Execute(context.Background(), target, script, runbookID, phase, timeout, 1, 15.0, hipaaControls)
		return phaseResult{ok: result.Success, errMsg: result.Error, out: result.Output}, nil

	case "linux":
		// For self-healing on this appliance, execute locally instead of SSH
		if d.isSelfHost(hostID) {
			result := d.executeLocal(script, runbookID, phase, timeout)
			return phaseResult{
				ok:     result.Success,
				errMsg: result.Error,
				out:    map[string]interface{}{"stdout": result.Output},
			}, nil
		}
		target := d.buildHealingSSHTarget(hostID)
		if target == nil {
			return phaseResult{}, fmt.Errorf("no SSH credentials for host %s", hostID)
		}
		result := d.sshExec.Execute(context.Background(), target, script, runbookID, phase, timeout, 1, 5.0, true, hipaaControls)
		return phaseResult{ok: result.Success, errMsg: result.Error, out: result.Output}, nil

	default:
		return phaseResult{}, fmt.Errorf("unknown platform: %s", platform)
	}
}

// runbookPlatform resolves a runbook's platform from its metadata, falling
// back to the ID prefix convention.
func runbookPlatform(rb *runbookEntry, runbookID string) string {
	if rb.Platform != "" {
		return rb.Platform
	}
	switch {
	case strings.HasPrefix(runbookID, "RB-W") || strings.HasPrefix(runbookID, "WIN-"):
		return "windows"
	case strings.HasPrefix(runbookID, "RB-L") || strings.HasPrefix(runbookID, "LIN-"):
		return "linux"
	default:
		return "windows" // default for HIPAA compliance targets
	}
}

// inMaintenanceWindow reports whether disruptive work may run right now.
// Contains is nil-safe: with no configured window, disruptive work stays
// deferred until an operator sets one.
func (d *Daemon) inMaintenanceWindow() bool {
	return d.window.Contains(time.Now().UTC())
}

func (d *Daemon) windowString() string {
	return d.window.String()
}

// buildHealingWinRMTarget creates a WinRM target using the daemon's DC
// credentials. All drift targets are Windows domain members scanned via the
// same DC creds.
func (d *Daemon) buildHealingWinRMTarget(hostID string) *winrm.Target {
	if d.config.DCUsername == nil || d.config.DCPassword == nil {
		return nil
	}
	return &winrm.Target{
		Hostname: hostID,
		Port:     5985,
		Username: *d.config.DCUsername,
		Password: *d.config.DCPassword,
		UseSSL:   false,
	}
}

// buildHealingSSHTarget creates an SSH target for Linux healing by matching
// the host against the checkin-provided Linux targets.
func (d *Daemon) buildHealingSSHTarget(hostID string) *sshexec.Target {
	d.linuxTargetsMu.RLock()
	defer d.linuxTargetsMu.RUnlock()

	for i := range d.linuxTargets {
		lt := d.linuxTargets[i]
		if !strings.EqualFold(lt.Hostname, hostID) {
			continue
		}
		target := &sshexec.Target{
			Hostname: lt.Hostname,
			Port:     lt.Port,
			Username: lt.Username,
		}
		if lt.Password != "" {
			target.Password = &lt.Password
		}
		if lt.PrivateKey != "" {
			target.PrivateKey = &lt.PrivateKey
		}
		if lt.SudoPassword != "" {
			target.SudoPassword = &lt.SudoPassword
		}
		return target
	}
	return nil
}

// isSelfHost returns true if the hostID refers to this appliance.
func (d *Daemon) isSelfHost(hostID string) bool {
	applianceHostname := d.config.SiteID + "-appliance"
	return hostID == applianceHostname || hostID == "localhost" || hostID == "127.0.0.1"
}

// localExecResult mirrors the SSH executor result for local execution.
type localExecResult struct {
	Success bool
	Output  string
	Error   string
}

// executeLocal runs a remediation script locally via bash instead of SSH.
// Used for self-healing on the appliance itself.
func (d *Daemon) executeLocal(script, runbookID, phase string, timeout int) localExecResult {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	bashPath, err := findBash()
	if err != nil {
		return localExecResult{Success: false, Error: err.Error()}
	}

	cmd := exec.CommandContext(ctx, bashPath, "-c", script)
	output, err := cmd.CombinedOutput()
	outStr := string(output)
	if len(outStr) > 2000 {
		outStr = outStr[len(outStr)-2000:]
	}

	if err != nil {
		log.Printf("[l1-exec] Local %s phase=%s failed: %v", runbookID, phase, err)
		return localExecResult{Success: false, Output: outStr, Error: fmt.Sprintf("%v: %s", err, outStr)}
	}

	log.Printf("[l1-exec] Local %s phase=%s succeeded", runbookID, phase)
	return localExecResult{Success: true, Output: outStr}
}

// executeHealingOrder processes a healing order from the control plane.
// Unlike drift-triggered healing (which goes through the L1 engine), healing
// orders arrive pre-matched with a runbook_id. We look up the runbook,
// determine the platform, and dispatch to the appropriate executor.
func (d *Daemon) executeHealingOrder(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	runbookID, _ := params["runbook_id"].(string)
	if runbookID == "" {
		return nil, fmt.Errorf("runbook_id is required")
	}

	hostname, _ := params["hostname"].(string)
	checkType, _ := params["check_type"].(string)

	rb, ok := runbookRegistry[runbookID]
	if !ok {
		return nil, fmt.Errorf("unknown runbook %s (registry has %d entries)", runbookID, len(runbookRegistry))
	}

	platform := runbookPlatform(rb, runbookID)

	// Determine target hostname, falling back to DC for Windows, self for Linux
	if hostname == "" {
		switch platform {
		case "windows":
			if d.config.DomainController != nil {
				hostname = *d.config.DomainController
			} else {
				return nil, fmt.Errorf("no hostname in order and no DC configured")
			}
		case "linux":
			hostname = "localhost"
		}
	}

	log.Printf("[healing-order] Executing %s on %s (platform=%s check_type=%s)", runbookID, hostname, platform, checkType)

	result, err := d.executeRunbook(map[string]interface{}{"runbook_id": runbookID}, hostname, platform)
	if err == nil && boolValue(result, "deferred") {
		log.Printf("[healing-order] %s on %s DEFERRED until maintenance window", runbookID, hostname)
		result["status"] = "deferred"
		result["runbook_id"] = runbookID
		result["hostname"] = hostname
		return result, nil
	}
	if err == nil && !boolValue(result, "success") {
		errMsg, _ := result["error"].(string)
		err = fmt.Errorf("runbook %s did not heal: %s", runbookID, errMsg)
	}
	if err != nil {
		log.Printf("[healing-order] %s on %s FAILED: %v", runbookID, hostname, err)
		return map[string]interface{}{
			"status":     "failed",
			"runbook_id": runbookID,
			"hostname":   hostname,
			"error":      err.Error(),
		}, err
	}

	log.Printf("[healing-order] %s on %s SUCCEEDED", runbookID, hostname)
	result["status"] = "healed"
	result["runbook_id"] = runbookID
	result["hostname"] = hostname
	return result, nil
}

func boolValue(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}
