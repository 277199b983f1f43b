// Package daemon is the appliance process: it phones home to the control
// plane, scans Windows and Linux targets for compliance drift, feeds
// findings through the L1/L2/L3 healing pipeline, packages signed evidence
// bundles, and serves the gRPC endpoint workstation agents stream to.
package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridianmsp/fleet/internal/ca"
	"github.com/meridianmsp/fleet/internal/evidence"
	"github.com/meridianmsp/fleet/internal/grpcserver"
	"github.com/meridianmsp/fleet/internal/healing"
	"github.com/meridianmsp/fleet/internal/l2bridge"
	"github.com/meridianmsp/fleet/internal/l2planner"
	"github.com/meridianmsp/fleet/internal/notify"
	"github.com/meridianmsp/fleet/internal/orders"
	"github.com/meridianmsp/fleet/internal/sdnotify"
	"github.com/meridianmsp/fleet/internal/sshexec"
	"github.com/meridianmsp/fleet/internal/winrm"
)

// Version is set at build time.
var Version = "0.7.2"

// driftCooldown tracks report suppression for one hostname+check_type pair.
type driftCooldown struct {
	lastSeen    time.Time
	count       int           // occurrences inside the flap window
	cooldownDur time.Duration // escalates when the pair keeps reappearing
}

// Daemon orchestrates every appliance subsystem.
type Daemon struct {
	config   *Config
	phoneCli *PhoneHomeClient

	grpcSrv  *grpcserver.Server
	registry *grpcserver.AgentRegistry
	agentCA  *ca.AgentCA

	engine     *healing.Engine
	classifier *healing.Classifier
	breakers   *healing.BreakerSet
	flaps      *healing.FlapGuard
	flapDB     *sql.DB
	window     *healing.MaintenanceWindow

	planner   *l2planner.Planner
	telemetry *l2planner.TelemetryReporter
	notifier  *notify.Notifier
	orderProc *orders.Processor

	winrmExec *winrm.Executor
	sshExec   *sshexec.Executor

	// AD enumeration: discover workstations and feed them to the scanners.
	enum *adEnumerator

	// Drift scanner: periodic compliance checks on Windows + Linux targets.
	scanner *driftScanner

	// Network scanner: port exposure and reachability checks.
	netScan *netScanner

	// Evidence pipeline: signed bundles, offline queue, retry drain.
	submitter      *evidence.Submitter
	queue          *evidence.Queue
	agentPublicKey string // hex Ed25519, sent on checkin

	// Version manifest for agent self-update over the file server.
	agentVersionCache *agentVersionCache

	// Drift report cooldown, keyed "hostname:check_type".
	cooldownMu sync.Mutex
	cooldowns  map[string]*driftCooldown

	// Linux targets from the last checkin response.
	linuxTargetsMu sync.RWMutex
	linuxTargets   []linuxTarget

	// L2 mode: "auto" executes, "manual" plans then waits for approval,
	// "disabled" goes straight from L1 miss to escalation.
	l2ModeMu sync.RWMutex
	l2Mode   string

	// Runbook allowlist from checkin. Empty means every runbook may run.
	runbooksMu      sync.RWMutex
	enabledRunbooks map[string]bool

	// Subscription status gates healing and deployment, never detection.
	subscriptionMu     sync.RWMutex
	subscriptionStatus string // "active", "trialing", "past_due", "canceled"

	wg sync.WaitGroup

	// panics counts recovered loop-iteration panics since start. The
	// count rides along in checkin telemetry so a crashing site is
	// visible before anyone reads journal logs.
	panics atomic.Int64

	// gpoFixDone tracks which DCs already had the firewall GPO corrected.
	gpoFixDone sync.Map
}

// recovered runs fn and converts a panic into a logged, counted failure.
// One bad iteration must never take the daemon down; the next tick
// retries after the normal poll interval.
func (d *Daemon) recovered(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n := d.panics.Add(1)
			log.Printf("[daemon] Recovered panic in %s (%d since start): %v\n%s",
				name, n, r, debug.Stack())
		}
	}()
	fn()
}

// PanicCount reports how many loop-iteration panics have been recovered.
func (d *Daemon) PanicCount() int64 {
	return d.panics.Load()
}

// isSubscriptionActive reports whether healing may run. Active and trialing
// subscriptions heal; every other state detects and reports only.
func (d *Daemon) isSubscriptionActive() bool {
	d.subscriptionMu.RLock()
	defer d.subscriptionMu.RUnlock()
	return d.subscriptionStatus == "" || d.subscriptionStatus == "active" || d.subscriptionStatus == "trialing"
}

// currentL2Mode returns the checkin-controlled L2 mode, defaulting to auto
// until the control plane says otherwise.
func (d *Daemon) currentL2Mode() string {
	d.l2ModeMu.RLock()
	defer d.l2ModeMu.RUnlock()
	if d.l2Mode == "" {
		return "auto"
	}
	return d.l2Mode
}

// runbookEnabled reports whether the checkin allowlist permits a runbook.
func (d *Daemon) runbookEnabled(id string) bool {
	d.runbooksMu.RLock()
	defer d.runbooksMu.RUnlock()
	if len(d.enabledRunbooks) == 0 {
		return true
	}
	return d.enabledRunbooks[id]
}

// New creates a daemon from the given configuration. Subsystems that fail
// to initialize degrade individually; only a nil config is fatal upstream.
func New(cfg *Config) *Daemon {
	d := &Daemon{
		config:    cfg,
		phoneCli:  NewPhoneHomeClient(cfg),
		registry:  grpcserver.NewAgentRegistry(),
		cooldowns: make(map[string]*driftCooldown),
	}

	d.winrmExec = winrm.NewExecutor()
	d.sshExec = sshexec.NewExecutor()

	if cfg.MaintenanceWindow != "" {
		w, err := healing.ParseMaintenanceWindow(cfg.MaintenanceWindow)
		if err != nil {
			log.Printf("[daemon] Maintenance window %q invalid: %v (disruptive runbooks stay deferred)",
				cfg.MaintenanceWindow, err)
		} else {
			d.window = w
			log.Printf("[daemon] Maintenance window: %s", w)
		}
	}

	// L1 engine. A nil executor puts the engine in dry-run: rules match
	// and log but nothing executes.
	var executor healing.ActionExecutor
	if !cfg.HealingDryRun {
		executor = d.makeActionExecutor()
	}
	d.engine = healing.NewEngine(cfg.RulesDir(), executor)
	log.Printf("[daemon] L1 engine loaded: %d rules (dry_run=%v)", d.engine.RuleCount(), cfg.HealingDryRun)

	// Flap guard persists suppressions in SQLite so restarts do not reopen
	// a flapping bucket.
	dsn := "file:" + cfg.HealingDBPath() + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	if db, err := sql.Open("sqlite", dsn); err != nil {
		log.Printf("[daemon] Healing DB unavailable: %v (flap guard disabled)", err)
	} else if flaps, err := healing.NewFlapGuard(db); err != nil {
		log.Printf("[daemon] Flap guard init failed: %v (flap guard disabled)", err)
		db.Close()
	} else {
		d.flaps = flaps
		d.flapDB = db
	}

	// L2 planner sidecar. The daemon never holds LLM credentials; the
	// sidecar owns them and the planner enforces budget, scrubbing, and
	// guardrails on this side of the socket.
	if cfg.L2Enabled {
		d.planner = l2planner.NewPlanner(l2planner.PlannerConfig{
			SocketPath:    cfg.L2SocketPath,
			SocketTimeout: time.Duration(cfg.L2SocketTimeoutSecs) * time.Second,
			APIEndpoint:   cfg.APIEndpoint,
			APIKey:        cfg.APIKey,
			SiteID:        cfg.SiteID,
			Budget: l2planner.BudgetConfig{
				DailyBudgetUSD:     cfg.L2DailyBudgetUSD,
				MaxCallsPerHour:    cfg.L2MaxCallsPerHour,
				MaxConcurrentCalls: cfg.L2MaxConcurrentCalls,
			},
			AllowedActions: cfg.L2AllowedActions,
		})
		log.Printf("[daemon] L2 planner initialized (socket=%s, budget=$%.2f/day)",
			cfg.L2SocketPath, cfg.L2DailyBudgetUSD)
	}

	d.breakers = healing.NewBreakerSet()
	d.classifier = healing.NewClassifier(healing.ClassifierConfig{
		Engine:   d.engine,
		Breakers: d.breakers,
		Flaps:    d.flaps,
		SiteID:   cfg.SiteID,
		Exec:     executor,
		PlanL2:   d.planWithL2,
		NotifyL3: d.escalateIncident,
		ReportL2: d.reportL2Execution,
	})

	if cfg.APIEndpoint != "" && cfg.APIKey != "" {
		d.telemetry = l2planner.NewTelemetryReporter(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID)
		d.notifier = notify.New(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID, cfg.SlackWebhookURL)
	}

	d.orderProc = orders.NewProcessor(cfg.StateDir, d.completeOrder)
	d.orderProc.SetAckCallback(d.ackOrder)
	d.enum = newADEnumerator(d)
	d.scanner = newDriftScanner(d)
	d.netScan = newNetScanner(d)
	d.agentVersionCache = newAgentVersionCache(cfg.AgentDir())

	d.orderProc.RegisterHandler("run_drift", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return d.scanner.ForceScan(ctx), nil
	})
	d.orderProc.RegisterHandler("healing", d.executeHealingOrder)
	d.orderProc.RegisterHandler("sync_rules", d.syncRules)
	d.orderProc.RegisterHandler("sensor_status", func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"status":               "collected",
			"total_active_sensors": d.registry.ConnectedCount(),
			"agents":               d.registry.Snapshot(),
		}, nil
	})

	// Evidence pipeline: signing key, offline queue, submitter.
	if cfg.EnableEvidenceUpload {
		key, pubHex, err := evidence.LoadOrCreateSigningKey(cfg.SigningKeyPath())
		if err != nil {
			log.Printf("[daemon] Evidence signing key failed: %v (evidence upload disabled)", err)
		} else {
			queue, qerr := evidence.OpenQueue(cfg.QueueDBPath())
			if qerr != nil {
				log.Printf("[daemon] Evidence queue unavailable: %v (evidence upload disabled)", qerr)
			} else {
				d.agentPublicKey = pubHex
				d.queue = queue
				d.submitter = evidence.NewSubmitter(
					cfg.SiteID, cfg.APIEndpoint, cfg.APIKey, key, pubHex, cfg.EvidenceDir(), queue)
				log.Printf("[daemon] Evidence submitter initialized (pubkey=%s...)", pubHex[:12])
			}
		}
	}

	// Restore checkin-derived state from the previous run.
	if saved, err := loadState(cfg.StateDir); err != nil {
		log.Printf("[daemon] Failed to load persisted state: %v", err)
	} else if saved != nil {
		d.linuxTargets = saved.LinuxTargets
		d.l2Mode = saved.L2Mode
		d.subscriptionStatus = saved.SubscriptionStatus
		log.Printf("[daemon] Restored state: %d linux targets, l2=%s, sub=%s (saved %s ago)",
			len(saved.LinuxTargets), saved.L2Mode, saved.SubscriptionStatus,
			time.Since(saved.SavedAt).Round(time.Second))
	}

	return d
}

// Run starts every subsystem and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] Meridian Fleet appliance daemon v%s starting", Version)
	log.Printf("[daemon] site_id=%s poll=%ds healing=%v dry_run=%v l2_enabled=%v",
		d.config.SiteID, d.config.PollInterval, d.config.HealingEnabled,
		d.config.HealingDryRun, d.config.L2Enabled)

	if d.config.CADir != "" {
		d.agentCA = ca.New(d.config.CADir)
		if err := d.agentCA.EnsureCA(); err != nil {
			log.Printf("[daemon] CA init failed: %v (agent enrollment disabled)", err)
			d.agentCA = nil
		} else {
			log.Printf("[daemon] Agent CA ready in %s", d.config.CADir)
		}
	}

	if d.planner != nil && !d.planner.IsConnected() {
		log.Printf("[daemon] L2 sidecar not reachable at %s yet", d.config.L2SocketPath)
	}

	// Finish any rebuild order interrupted by the restart that brought us up.
	d.orderProc.CompletePendingRebuild(ctx)

	// Rules watcher: reload the L1 engine when synced bundles or promoted
	// YAML rules land in the rules dir.
	if err := os.MkdirAll(d.config.RulesDir(), 0o755); err != nil {
		log.Printf("[daemon] Rules dir: %v", err)
	}
	if watcher, err := healing.NewRulesWatcher(d.engine, d.config.RulesDir()); err != nil {
		log.Printf("[daemon] Rules watcher unavailable: %v", err)
	} else {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			watcher.Run(ctx)
		}()
	}

	// Agent binary distribution over plain HTTP on the LAN. DCs pull the
	// binary with Invoke-WebRequest instead of slow WinRM chunk uploads.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.serveAgentFiles(ctx)
	}()

	d.grpcSrv = grpcserver.NewServer(grpcserver.Config{
		ListenAddr:    d.config.GRPCListenAddr(),
		ApplianceAddr: d.config.AdvertiseHost(),
		SiteID:        d.config.SiteID,
		ArtifactSink:  d.storeHealingArtifacts,
	}, d.registry, d.agentCA)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.grpcSrv.Start(); err != nil {
			log.Printf("[daemon] gRPC server: %v", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processHealRequests(ctx)
	}()

	d.recovered("checkin", func() { d.runCheckin(ctx) })

	ticker := time.NewTicker(time.Duration(d.config.PollInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("[daemon] Main loop started (interval: %ds)", d.config.PollInterval)

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[daemon] sd_notify READY failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("[daemon] Shutting down...")
			_ = sdnotify.Stopping()
			d.grpcSrv.Stop()
			if d.planner != nil {
				d.planner.Close()
			}
			d.sshExec.CloseAll()
			d.orderProc.Close()
			d.saveState()

			done := make(chan struct{})
			go func() {
				d.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				log.Println("[daemon] All goroutines drained")
			case <-time.After(30 * time.Second):
				log.Println("[daemon] Goroutine drain timed out after 30s")
			}

			if d.flapDB != nil {
				d.flapDB.Close()
			}
			if d.queue != nil {
				d.queue.Close()
			}
			return nil
		case <-ticker.C:
			_ = sdnotify.Watchdog()
			d.recovered("cycle", func() { d.runCycle(ctx) })
		}
	}
}

// runCycle executes one iteration of the main loop. Scans run async so a
// slow WinRM target never blocks the checkin cadence.
func (d *Daemon) runCycle(ctx context.Context) {
	start := time.Now()

	d.runCheckin(ctx)

	// Enumeration needs an active subscription; expired sites keep drift
	// detection on already-known targets but stop widening the sweep.
	if d.config.WorkstationEnabled && d.isSubscriptionActive() {
		go d.recovered("enumeration", func() { d.enum.runIfNeeded(ctx) })
	}

	if d.config.WorkstationEnabled {
		go d.recovered("drift scan", func() { d.scanner.runDriftScanIfNeeded(ctx) })
	}

	if d.config.EnableDriftDetection {
		go d.recovered("linux scan", func() { d.scanner.runLinuxScanIfNeeded(ctx) })
		go d.recovered("net scan", func() { d.netScan.runNetScanIfNeeded(ctx) })
	}

	if d.submitter != nil {
		go d.recovered("evidence drain", func() {
			if n, err := d.submitter.DrainQueue(ctx); err != nil {
				log.Printf("[daemon] Evidence queue drain: %v", err)
			} else if n > 0 {
				log.Printf("[daemon] Evidence queue drained %d bundle(s)", n)
			}
		})
	}

	if pruned := d.registry.PruneStale(10 * time.Minute); pruned > 0 {
		log.Printf("[daemon] Pruned %d stale agent(s) from registry", pruned)
	}
	d.orderProc.PruneNonces(7 * 24 * time.Hour)

	log.Printf("[daemon] Cycle complete in %v (agents=%d, healing in flight=%d)",
		time.Since(start).Round(time.Millisecond), d.registry.ConnectedCount(), d.classifier.InFlight())
}

// runCheckin phones home and applies everything the response carries:
// identity, server key, targets, runbook allowlist, L2 mode, subscription,
// triggers, and pending orders.
func (d *Daemon) runCheckin(ctx context.Context) {
	var req CheckinRequest
	if d.agentPublicKey != "" {
		req = SystemInfoWithKey(d.config, Version, d.agentPublicKey)
	} else {
		req = SystemInfo(d.config, Version)
	}
	req.RecoveredPanics = d.panics.Load()

	resp, err := d.phoneCli.Checkin(ctx, req)
	if err != nil {
		log.Printf("[daemon] Checkin failed (%s): %v", classifyConnectivityError(err), err)
		return
	}

	log.Printf("[daemon] Checkin OK: appliance=%s orders=%d win_targets=%d linux_targets=%d triggers=(enum=%v scan=%v)",
		resp.ApplianceID, len(resp.PendingOrders), len(resp.WindowsTargets), len(resp.LinuxTargets),
		resp.TriggerEnumeration, resp.TriggerImmediateScan)

	if resp.ApplianceID != "" {
		if d.telemetry != nil {
			d.telemetry.SetApplianceID(resp.ApplianceID)
		}
		if d.planner != nil {
			d.planner.SetApplianceID(resp.ApplianceID)
		}
		d.orderProc.SetApplianceID(resp.ApplianceID)
		d.enum.SetApplianceID(resp.ApplianceID)
	}

	// The server key verifies order signatures and synced rule bundles.
	if resp.ServerPublicKey != "" {
		if err := d.orderProc.SetServerPublicKey(resp.ServerPublicKey); err != nil {
			log.Printf("[daemon] Server public key rejected by order processor: %v", err)
		}
		if err := d.engine.SetServerPublicKey(resp.ServerPublicKey); err != nil {
			log.Printf("[daemon] Server public key rejected by L1 engine: %v", err)
		}
	}

	if len(resp.LinuxTargets) > 0 {
		parsed := parseLinuxTargets(resp.LinuxTargets)
		d.linuxTargetsMu.Lock()
		d.linuxTargets = parsed
		d.linuxTargetsMu.Unlock()
	}

	if len(resp.WindowsTargets) > 0 {
		d.loadWindowsTargets(resp.WindowsTargets)
	}

	if len(resp.EnabledRunbooks) > 0 {
		allow := make(map[string]bool, len(resp.EnabledRunbooks))
		for _, id := range resp.EnabledRunbooks {
			allow[id] = true
		}
		d.runbooksMu.Lock()
		d.enabledRunbooks = allow
		d.runbooksMu.Unlock()
	}

	if resp.L2Mode != "" {
		d.l2ModeMu.Lock()
		if d.l2Mode != resp.L2Mode {
			log.Printf("[daemon] L2 mode changed: %s -> %s", d.l2Mode, resp.L2Mode)
		}
		d.l2Mode = resp.L2Mode
		d.l2ModeMu.Unlock()
	}

	if resp.SubscriptionStatus != "" {
		d.subscriptionMu.Lock()
		if d.subscriptionStatus != resp.SubscriptionStatus {
			log.Printf("[daemon] Subscription status changed: %s -> %s", d.subscriptionStatus, resp.SubscriptionStatus)
		}
		d.subscriptionStatus = resp.SubscriptionStatus
		d.subscriptionMu.Unlock()
	}

	// Single-shot triggers: the control plane clears them on read, so act
	// now or lose them.
	if resp.TriggerEnumeration && d.config.WorkstationEnabled && d.isSubscriptionActive() {
		go d.enum.runOnce(ctx)
	}
	if resp.TriggerImmediateScan {
		go d.scanner.ForceScan(ctx)
	}

	if len(resp.PendingOrders) > 0 {
		d.processOrders(ctx, resp.PendingOrders)
	}

	d.saveState()
}

// loadWindowsTargets extracts DC credentials from the checkin response and
// populates the config so scanning and auto-deploy can reach the domain.
// The domain_admin role wins; otherwise the first valid target does.
func (d *Daemon) loadWindowsTargets(targets []map[string]interface{}) {
	var dcHost, dcUser, dcPass string

	for _, t := range targets {
		hostname, _ := t["hostname"].(string)
		username, _ := t["username"].(string)
		password, _ := t["password"].(string)
		role, _ := t["role"].(string)
		if hostname == "" || username == "" {
			continue
		}

		if role == "domain_admin" {
			dcHost, dcUser, dcPass = hostname, username, password
			break
		}
		if dcHost == "" {
			dcHost, dcUser, dcPass = hostname, username, password
		}
	}

	if dcHost == "" {
		return
	}

	prev := ""
	if d.config.DomainController != nil {
		prev = *d.config.DomainController
	}
	d.config.DomainController = &dcHost
	d.config.DCUsername = &dcUser
	d.config.DCPassword = &dcPass

	if prev != dcHost {
		log.Printf("[daemon] Windows credentials loaded: dc=%s user=%s", dcHost, dcUser)
	}
}

// processOrders converts raw checkin order maps into Order structs and
// dispatches them through the processor.
func (d *Daemon) processOrders(ctx context.Context, rawOrders []map[string]interface{}) {
	orderList := make([]orders.Order, 0, len(rawOrders))
	for _, raw := range rawOrders {
		orderID, _ := raw["order_id"].(string)
		orderType, _ := raw["order_type"].(string)

		params := make(map[string]interface{})
		if p, ok := raw["parameters"].(map[string]interface{}); ok {
			params = p
		}
		// Handlers that survive a restart (nixos_rebuild) need the id.
		params["_order_id"] = orderID

		// Healing orders carry runbook_id at the top level.
		if rbID, ok := raw["runbook_id"].(string); ok && rbID != "" {
			params["runbook_id"] = rbID
		}

		nonce, _ := raw["nonce"].(string)
		signature, _ := raw["signature"].(string)
		signedPayload, _ := raw["signed_payload"].(string)

		orderList = append(orderList, orders.Order{
			OrderID:       orderID,
			OrderType:     orderType,
			Parameters:    params,
			Nonce:         nonce,
			Signature:     signature,
			SignedPayload: signedPayload,
		})
	}

	results := d.orderProc.ProcessAll(ctx, orderList)
	for _, r := range results {
		if r.Success {
			log.Printf("[daemon] Order %s completed", r.OrderID)
		} else {
			log.Printf("[daemon] Order %s failed: %s", r.OrderID, r.Error)
		}
	}
}

// ackOrder marks an order in_progress on the control plane so the
// dashboard shows it left the queue before a long execution finishes.
func (d *Daemon) ackOrder(ctx context.Context, orderID string) error {
	url := strings.TrimRight(d.config.APIEndpoint, "/") + "/api/orders/" + orderID + "/ack"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create ack request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.config.APIKey)

	resp, err := d.phoneCli.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ack request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ack returned %d", resp.StatusCode)
	}
	return nil
}

// completeOrder reports an order result back to the control plane.
func (d *Daemon) completeOrder(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error {
	payload := map[string]interface{}{
		"success": success,
	}
	if result != nil {
		payload["result"] = result
	}
	if errMsg != "" {
		payload["error_message"] = errMsg
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}

	url := strings.TrimRight(d.config.APIEndpoint, "/") + "/api/orders/" + orderID + "/complete"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.config.APIKey)

	resp, err := d.phoneCli.client.Do(httpReq)
	if err != nil {
		log.Printf("[daemon] Order %s completion POST failed: %v (retried next cycle)", orderID, err)
		return fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read completion response for order %s: %w", orderID, err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("[daemon] Order %s completion returned %d: %s", orderID, resp.StatusCode, string(respBody))
		return fmt.Errorf("completion returned %d", resp.StatusCode)
	}

	return nil
}

// syncRules downloads the site's L1 rule bundle and installs it where the
// engine loads synced JSON from. The engine verifies the bundle signature
// at load; a bad bundle never replaces the last one that verified.
func (d *Daemon) syncRules(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	url := strings.TrimRight(d.config.APIEndpoint, "/") + "/api/sites/" + d.config.SiteID + "/l1-rules"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create rules request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.config.APIKey)
	httpReq.Header.Set("User-Agent", "MeridianFleet-Appliance/Go")

	resp, err := d.phoneCli.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read rules response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rules endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("rules bundle is not JSON: %w", err)
	}

	if err := os.MkdirAll(d.config.RulesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}
	path := d.config.SyncedRulesPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return nil, fmt.Errorf("write rules bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("install rules bundle: %w", err)
	}

	d.engine.ReloadRules()
	log.Printf("[daemon] Synced rules installed: engine now has %d rules", d.engine.RuleCount())

	return map[string]interface{}{
		"status":     "rules_synced",
		"rule_count": d.engine.RuleCount(),
	}, nil
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// serveAgentFiles serves the agent binary directory and the version
// manifest over HTTP on :8090 for DC-proxied downloads and agent
// self-update checks.
func (d *Daemon) serveAgentFiles(ctx context.Context) {
	agentDir := d.config.AgentDir()
	mux := http.NewServeMux()
	mux.Handle("/agent/", http.StripPrefix("/agent/", http.FileServer(http.Dir(agentDir))))
	mux.HandleFunc("/agent/version", d.handleAgentVersion(d.agentVersionCache))

	srv := &http.Server{
		Addr:    ":8090",
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Printf("[daemon] Agent file server on :8090 (serving %s)", agentDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[daemon] Agent file server: %v", err)
	}
}

// storeHealingArtifacts persists sensitive artifacts agents surface during
// healing (BitLocker recovery keys and the like). Values are never logged.
func (d *Daemon) storeHealingArtifacts(hostname, checkType string, artifacts map[string]string) {
	if len(artifacts) == 0 {
		return
	}
	dir := filepath.Join(d.config.StateDir, "artifacts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("[daemon] Artifact dir: %v", err)
		return
	}
	record := map[string]interface{}{
		"hostname":    hostname,
		"check_type":  checkType,
		"artifacts":   artifacts,
		"received_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%d.json", hostname, checkType, time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Printf("[daemon] Artifact write: %v", err)
		return
	}
	log.Printf("[daemon] Stored %d healing artifact(s) for %s/%s", len(artifacts), hostname, checkType)
}

// processHealRequests drains the gRPC heal channel. Agent drift events go
// through the same pipeline as scanner findings.
func (d *Daemon) processHealRequests(ctx context.Context) {
	if d.grpcSrv == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.grpcSrv.HealChan:
			log.Printf("[daemon] Heal request: %s/%s from %s", req.Hostname, req.CheckType, req.AgentID)
			d.healIncident(ctx, req)
		}
	}
}

// healIncident is the single entry point for drift findings, whether they
// come from agents over gRPC or from the appliance's own scanners. The
// finding is always reported to the control plane; healing runs only when
// enabled and subscribed, and the classifier owns the L1/L2/L3 walk from
// there.
func (d *Daemon) healIncident(_ context.Context, req grpcserver.HealRequest) {
	cooldownKey := req.Hostname + ":" + req.CheckType
	if d.shouldSuppressDrift(cooldownKey) {
		log.Printf("[daemon] Drift suppressed (cooldown): %s/%s", req.Hostname, req.CheckType)
		return
	}

	data := map[string]interface{}{
		"check_type":     req.CheckType,
		"incident_type":  req.CheckType,
		"drift_detected": true,
		"hostname":       req.Hostname,
		"host_id":        req.Hostname,
		"agent_id":       req.AgentID,
		"expected":       req.Expected,
		"actual":         req.Actual,
		"hipaa_control":  req.HIPAAControl,
	}
	for k, v := range req.Metadata {
		data[k] = v
	}
	platform, _ := data["platform"].(string)
	if platform == "" {
		platform = "windows" // gRPC drift events come from Windows agents
		data["platform"] = platform
	}

	severity := req.Severity
	if severity == "" {
		severity = "medium"
		if req.HIPAAControl != "" {
			severity = "high"
		}
	}

	if d.notifier != nil {
		go d.notifier.ReportDrift(req.Hostname, req.CheckType, req.Expected, req.Actual,
			req.HIPAAControl, severity, platform)
	}

	if !d.config.HealingEnabled {
		log.Printf("[daemon] Healing disabled, reported %s/%s without remediation", req.Hostname, req.CheckType)
		return
	}
	if !d.isSubscriptionActive() {
		log.Printf("[daemon] Subscription inactive, healing suppressed for %s/%s", req.Hostname, req.CheckType)
		return
	}

	inc := healing.NewIncident(d.config.SiteID, req.Hostname, req.CheckType, severity, data)
	outcome := d.classifier.Classify(inc)

	log.Printf("[daemon] Incident %s (%s/%s) outcome: %s", inc.ID, req.Hostname, req.CheckType, outcome)
	d.reportIncidentOutcome(inc, req, platform, outcome)
}

// reportIncidentOutcome feeds the flywheel and the dashboard after the
// classifier finishes. L2 telemetry is reported inline by the classifier's
// report hook; L1 attempts are reported here from the action log.
func (d *Daemon) reportIncidentOutcome(inc *healing.Incident, req grpcserver.HealRequest, platform, outcome string) {
	var lastAttempt *healing.ActionTaken
	for i := range inc.Actions {
		a := &inc.Actions[i]
		if a.Layer == "l1" && a.Action != healing.ActionEscalate && d.telemetry != nil {
			runbookID := a.RunbookID
			if runbookID == "" {
				runbookID = a.RuleID
			}
			go d.telemetry.ReportL1Execution(inc.ID, req.Hostname, req.CheckType,
				runbookID, a.Success, a.Error, actionDurationMs(a))
		}
		if a.Layer == "l1" || a.Layer == "l2" {
			lastAttempt = a
		}
	}

	if outcome != healing.OutcomeSuccess {
		return
	}

	tier, ruleID := "L1", ""
	if lastAttempt != nil {
		tier = strings.ToUpper(lastAttempt.Layer)
		ruleID = lastAttempt.RuleID
		if ruleID == "" {
			ruleID = lastAttempt.RunbookID
		}
	}
	if d.notifier != nil {
		go d.notifier.ReportHealed(req.Hostname, req.CheckType, tier, ruleID)
	}

	// Healing the endpoint is not enough when a domain GPO keeps turning
	// the firewall back off; fix the policy at its source once per DC.
	if req.CheckType == "firewall_status" && platform == "windows" {
		go d.fixFirewallGPO(req.Hostname)
	}
}

// actionDurationMs derives the attempt duration from its timestamps.
func actionDurationMs(a *healing.ActionTaken) int64 {
	start, err1 := time.Parse(time.RFC3339, a.StartedAt)
	end, err2 := time.Parse(time.RFC3339, a.CompletedAt)
	if err1 != nil || err2 != nil {
		return 0
	}
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// planWithL2 asks the planner sidecar for a decision. It enforces the
// checkin-controlled L2 mode: disabled never plans, manual plans but
// forces the approval path.
func (d *Daemon) planWithL2(inc *healing.Incident) (*l2bridge.LLMDecision, error) {
	mode := d.currentL2Mode()
	if mode == "disabled" {
		return nil, fmt.Errorf("L2 disabled by site policy")
	}
	if d.planner == nil {
		return nil, fmt.Errorf("L2 planner not configured")
	}
	if !d.planner.IsConnected() {
		return nil, fmt.Errorf("L2 sidecar not reachable")
	}

	decision, err := d.planner.Plan(toL2Incident(inc))
	if err != nil {
		return nil, err
	}

	if mode == "manual" && !decision.RequiresApproval {
		decision.RequiresApproval = true
		reason := decision.Reasoning
		if reason == "" {
			reason = decision.RecommendedAction
		}
		decision.Reasoning = fmt.Sprintf("plan ready, manual approval required: %s (confidence %.2f)",
			reason, decision.Confidence)
	}

	return decision, nil
}

// toL2Incident converts a healing incident to the planner's wire shape.
func toL2Incident(inc *healing.Incident) *l2bridge.Incident {
	return &l2bridge.Incident{
		ID:               inc.ID,
		SiteID:           inc.SiteID,
		HostID:           inc.HostID,
		IncidentType:     inc.IncidentType,
		Severity:         inc.Severity,
		RawData:          inc.RawData,
		PatternSignature: inc.PatternSignature,
		CreatedAt:        inc.CreatedAt,
	}
}

// reportL2Execution posts an L2 outcome to the flywheel endpoint.
func (d *Daemon) reportL2Execution(inc *healing.Incident, decision *l2bridge.LLMDecision, outcome string) {
	if d.planner == nil {
		return
	}
	success := outcome == healing.OutcomeSuccess
	var execErr string
	var durationMs int64
	if n := len(inc.Actions); n > 0 {
		last := &inc.Actions[n-1]
		execErr = last.Error
		durationMs = actionDurationMs(last)
	}
	if !success && execErr == "" {
		execErr = "outcome " + outcome
	}
	go d.planner.ReportExecution(toL2Incident(inc), decision, success, execErr, durationMs)
}

// escalateIncident hands an incident to a human: control-plane incident
// record plus the optional Slack page.
func (d *Daemon) escalateIncident(inc *healing.Incident, reason string) {
	hipaa, _ := inc.RawData["hipaa_control"].(string)
	platform, _ := inc.RawData["platform"].(string)
	expected, _ := inc.RawData["expected"].(string)
	actual, _ := inc.RawData["actual"].(string)

	log.Printf("[daemon] L3 ESCALATION: incident=%s host=%s check=%s hipaa=%s reason=%s",
		inc.ID, inc.HostID, inc.IncidentType, hipaa, reason)

	if d.notifier == nil {
		return
	}

	esc := notify.Escalation{
		IncidentID:   inc.ID,
		HostID:       inc.HostID,
		IncidentType: inc.IncidentType,
		Severity:     inc.Severity,
		Reason:       reason,
		Expected:     expected,
		Actual:       actual,
		Platform:     platform,
	}
	if hipaa != "" {
		esc.HIPAAControls = []string{hipaa}
	}
	go d.notifier.Escalate(esc)
}

// fixFirewallGPO corrects the Default Domain Policy when it is the reason
// firewall drift keeps coming back: an L1 heal re-enables the firewall,
// the GPO turns it off again, and the pair flaps forever. Runs once per DC
// per daemon lifetime, automatically after the first firewall heal.
func (d *Daemon) fixFirewallGPO(triggerHost string) {
	if d.config.DomainController == nil || *d.config.DomainController == "" {
		return
	}
	if d.config.DCUsername == nil || d.config.DCPassword == nil {
		return
	}

	dc := *d.config.DomainController

	if _, done := d.gpoFixDone.LoadOrStore(dc, true); done {
		return
	}

	log.Printf("[daemon] GPO firewall fix: checking Default Domain Policy on %s (triggered by %s)",
		dc, triggerHost)

	target := d.findWinRMTarget(dc)
	if target == nil {
		d.gpoFixDone.Delete(dc)
		return
	}

	// Registry-backed firewall settings under the Default Domain Policy.
	// Values of 0 disable the firewall on every domain member; flip them
	// to 1 and report what changed.
	gpoFixScript := `
$ErrorActionPreference = 'Stop'
$Result = @{ Changed = $false; Profiles = @{}; Error = $null }

try {
    Import-Module GroupPolicy -ErrorAction Stop

    $DDPName = "Default Domain Policy"
    $GPO = Get-GPO -Name $DDPName -ErrorAction Stop

    $Profiles = @("DomainProfile", "StandardProfile", "PublicProfile")
    $BasePath = "HKLM\SOFTWARE\Policies\Microsoft\WindowsFirewall"

    foreach ($Profile in $Profiles) {
        $RegPath = "$BasePath\$Profile"
        try {
            $Val = Get-GPRegistryValue -Name $DDPName -Key $RegPath -ValueName "EnableFirewall" -ErrorAction Stop
            $Result.Profiles[$Profile] = @{ CurrentValue = $Val.Value; Type = $Val.Type.ToString() }

            if ($Val.Value -eq 0) {
                Set-GPRegistryValue -Name $DDPName -Key $RegPath -ValueName "EnableFirewall" -Type DWord -Value 1
                $Result.Changed = $true
                $Result.Profiles[$Profile].Fixed = $true
                $Result.Profiles[$Profile].NewValue = 1
            }
        } catch [System.Runtime.InteropServices.COMException] {
            $Result.Profiles[$Profile] = @{ Status = "not_configured" }
        }
    }

    if ($Result.Changed) {
        $Result.GPUpdateTriggered = $true
    }

    $Result.Success = $true
} catch {
    $Result.Error = $_.Exception.Message
    $Result.Success = $false
}

$Result | ConvertTo-Json -Depth 3
`

	result := d.winrmExec.Execute(context.Background(), target, gpoFixScript,
		"GPO-FW-FIX", "gpo_fix", 120, 1, 30.0, []string{"164.312(a)(1)"})
	if result.Success {
		log.Printf("[daemon] GPO firewall fix completed on %s: output_hash=%s", dc, result.OutputHash)

		// Push the corrected policy to the host that triggered the fix so
		// it stops drifting before the next refresh interval.
		if !strings.EqualFold(triggerHost, dc) {
			if triggerTarget := d.findWinRMTarget(triggerHost); triggerTarget != nil {
				upd := d.winrmExec.Execute(context.Background(), triggerTarget,
					"gpupdate /force /target:computer | Out-Null; @{Updated=$true} | ConvertTo-Json",
					"GPO-FW-UPDATE", "gpo_update", 60, 1, 15.0, nil)
				if upd.Success {
					log.Printf("[daemon] GPO update forced on %s", triggerHost)
				}
			}
		}
	} else {
		log.Printf("[daemon] GPO firewall fix failed on %s: %s", dc, result.Error)
		// Allow a retry on the next firewall heal.
		d.gpoFixDone.Delete(dc)
	}
}

// findWinRMTarget builds a WinRM target using the domain credentials from
// checkin. Domain admin credentials work on every domain-joined machine.
func (d *Daemon) findWinRMTarget(hostname string) *winrm.Target {
	if d.config.DCUsername == nil || d.config.DCPassword == nil {
		return nil
	}
	return &winrm.Target{
		Hostname: hostname,
		Port:     5985,
		Username: *d.config.DCUsername,
		Password: *d.config.DCPassword,
		UseSSL:   false,
	}
}

// Report cooldowns. A pair that keeps reappearing inside the flap window
// gets its cooldown extended; stale entries age out lazily.
const (
	defaultCooldown  = 10 * time.Minute
	extendedCooldown = 1 * time.Hour
	reportFlapLimit  = 3
	reportFlapWindow = 30 * time.Minute
	cooldownCleanup  = 2 * time.Hour
)

// shouldSuppressDrift rate-limits incident creation per hostname+check
// pair. This is the cheap front gate; the flap guard behind the classifier
// handles real pass/fail oscillation with persistence.
func (d *Daemon) shouldSuppressDrift(key string) bool {
	d.cooldownMu.Lock()
	defer d.cooldownMu.Unlock()

	now := time.Now()

	// Lazy cleanup once the map grows.
	if len(d.cooldowns) > 100 {
		for k, entry := range d.cooldowns {
			if now.Sub(entry.lastSeen) > cooldownCleanup {
				delete(d.cooldowns, k)
			}
		}
	}

	entry, exists := d.cooldowns[key]
	if !exists {
		d.cooldowns[key] = &driftCooldown{
			lastSeen:    now,
			count:       1,
			cooldownDur: defaultCooldown,
		}
		return false
	}

	elapsed := now.Sub(entry.lastSeen)

	if elapsed < entry.cooldownDur {
		if elapsed < reportFlapWindow {
			entry.count++
			if entry.count >= reportFlapLimit {
				entry.cooldownDur = extendedCooldown
				log.Printf("[daemon] Repeated drift for %s (%d in %v), cooldown extended to %v",
					key, entry.count, elapsed.Round(time.Second), extendedCooldown)
			}
		}
		return true
	}

	entry.lastSeen = now
	entry.count = 1
	entry.cooldownDur = defaultCooldown
	return false
}
