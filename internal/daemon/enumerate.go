package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meridianmsp/fleet/internal/discovery"
	"github.com/meridianmsp/fleet/internal/winrm"
)

// enumInterval is the periodic AD enumeration cadence. Single-shot
// triggers from the control plane bypass it.
const enumInterval = 6 * time.Hour

// winrmScriptRunner adapts the WinRM executor to the discovery package's
// ScriptExecutor interface.
type winrmScriptRunner struct {
	exec *winrm.Executor
}

func (r *winrmScriptRunner) RunScript(ctx context.Context, hostname, script, username, password string, timeout int) (string, error) {
	target := &winrm.Target{
		Hostname: hostname,
		Port:     5985,
		Username: username,
		Password: password,
	}
	res := r.exec.Execute(ctx, target, script, "AD-ENUM", "discovery", timeout, 0, 30.0, nil)
	if !res.Success {
		return "", fmt.Errorf("enumeration script failed: %s", res.Error)
	}
	stdout, _ := res.Output["stdout"].(string)
	return stdout, nil
}

// adEnumerator runs AD computer enumeration against the configured DC,
// reports the result to the control plane, and remembers which
// workstations answered on the WinRM port so the drift and network
// scanners can sweep them.
type adEnumerator struct {
	daemon *Daemon

	mu          sync.Mutex
	running     bool
	lastRun     time.Time
	applianceID string
	reachable   []string
}

func newADEnumerator(d *Daemon) *adEnumerator {
	return &adEnumerator{daemon: d}
}

func (e *adEnumerator) SetApplianceID(id string) {
	e.mu.Lock()
	e.applianceID = id
	e.mu.Unlock()
}

// workstations returns the hostnames that answered on WinRM during the
// last enumeration. The scanners treat them as scan targets alongside
// the DC.
func (e *adEnumerator) workstations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.reachable))
	copy(out, e.reachable)
	return out
}

// runIfNeeded enumerates when the interval has elapsed. Called from the
// daemon cycle, so it must never block the checkin cadence.
func (e *adEnumerator) runIfNeeded(ctx context.Context) {
	e.mu.Lock()
	due := time.Since(e.lastRun) >= enumInterval
	e.mu.Unlock()
	if due {
		e.runOnce(ctx)
	}
}

// runOnce performs one full enumeration. Concurrent invocations collapse
// into the one already running.
func (e *adEnumerator) runOnce(ctx context.Context) {
	cfg := e.daemon.config
	if cfg.DomainController == nil || cfg.DCUsername == nil || cfg.DCPassword == nil {
		return
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	applianceID := e.applianceID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastRun = time.Now()
		e.mu.Unlock()
	}()

	enum := discovery.NewADEnumerator(
		*cfg.DomainController, *cfg.DCUsername, *cfg.DCPassword,
		cfg.ADDomain, &winrmScriptRunner{exec: e.daemon.winrmExec})

	result, err := enum.EnumerateWithConnectivity(ctx, 5985)
	if err != nil {
		log.Printf("[enum] AD enumeration failed: %v", err)
		return
	}

	hosts := reachableWorkstations(result)
	e.mu.Lock()
	e.reachable = hosts
	e.mu.Unlock()
	log.Printf("[enum] AD enumeration: %d objects, %d reachable workstations",
		result.TotalFound, len(hosts))

	if cfg.APIEndpoint == "" || cfg.APIKey == "" {
		return
	}
	reporter := discovery.NewReporter(cfg.APIEndpoint, cfg.APIKey, applianceID, cfg.SiteID)
	if err := reporter.ReportEnumeration(ctx, result); err != nil {
		log.Printf("[enum] Enumeration report failed: %v", err)
	}
}

// reachableWorkstations filters an enumeration down to workstation
// hostnames that answered on the probe port. Servers and DCs are scanned
// through their own target lists, never as workstations.
func reachableWorkstations(result *discovery.EnumerationResult) []string {
	var hosts []string
	for _, c := range result.Reachable {
		if c.IsWorkstation && c.Enabled {
			hosts = append(hosts, c.Hostname)
		}
	}
	return hosts
}
