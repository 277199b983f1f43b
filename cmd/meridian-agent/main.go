// The meridian-agent runs on managed Windows workstations. It executes
// the compliance checks the appliance enables at registration, streams
// drift events over mTLS gRPC, applies heal commands the appliance hands
// back, and queues events in SQLite while offline. Under the Windows SCM
// it runs as a service; interactively it runs until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meridianmsp/fleet/internal/agent/checks"
	"github.com/meridianmsp/fleet/internal/agent/config"
	"github.com/meridianmsp/fleet/internal/agent/discovery"
	"github.com/meridianmsp/fleet/internal/agent/eventlog"
	"github.com/meridianmsp/fleet/internal/agent/healing"
	"github.com/meridianmsp/fleet/internal/agent/service"
	"github.com/meridianmsp/fleet/internal/agent/transport"
	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

var buildTime = "unknown"

var (
	flagConfig    = flag.String("config", "", "config file path")
	flagAppliance = flag.String("appliance", "", "appliance gRPC address (host:port), overrides config and discovery")
	flagDryRun    = flag.Bool("dry-run", false, "run each check once, print results, exit")
	flagVersion   = flag.Bool("version", false, "print version and exit")
)

const (
	defaultCheckInterval = 5 * time.Minute
	heartbeatInterval    = time.Minute
	drainBatchSize       = 100
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("meridian-agent %s (built %s)\n", transport.Version, buildTime)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *flagDryRun {
		dryRun()
		return
	}

	if !service.Interactive() {
		log.Println("running under service control")
		if err := service.Start(&service.Agent{Run: run}); err != nil {
			log.Fatalf("service dispatch: %v", err)
		}
		return
	}

	log.Println("running interactively")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

// agent bundles the long-lived pieces the loops share.
type agent struct {
	cfg     *config.Config
	client  *transport.Client
	queue   *transport.OfflineQueue
	flap    *checks.FlapDetector
	started time.Time
	kick    chan struct{} // policy-change events force an early check cycle

	mu       sync.Mutex // guards settings and enabled across re-registration
	settings checks.Settings
	enabled  []string
}

func (a *agent) checkPlan() ([]string, checks.Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, a.settings
}

func (a *agent) setCheckPlan(enabled []string, s checks.Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
	a.settings = s
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *flagAppliance != "" {
		cfg.ApplianceAddr = *flagAppliance
	}
	if cfg.ApplianceAddr == "" {
		discoverAppliance(ctx, cfg)
	}
	if cfg.ApplianceAddr == "" {
		return fmt.Errorf("no appliance address configured and discovery failed")
	}

	a := &agent{
		cfg:      cfg,
		flap:     checks.NewFlapDetector(),
		settings: checks.DefaultSettings(),
		started:  time.Now(),
		kick:     make(chan struct{}, 1),
	}

	a.queue, err = transport.OpenQueue(cfg.QueuePath())
	if err != nil {
		return fmt.Errorf("open offline queue: %w", err)
	}
	defer a.queue.Close()

	a.client, err = transport.Dial(cfg)
	if err != nil {
		return fmt.Errorf("connect appliance: %w", err)
	}
	defer a.client.Close()

	reg, err := a.client.Register(ctx, capabilityTier(cfg.CapabilityTier))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Printf("registered as %s (tier=%s, interval=%ds)",
		reg.GetAgentId(), reg.GetCapabilityTier(), reg.GetCheckIntervalSeconds())

	interval := defaultCheckInterval
	if secs := reg.GetCheckIntervalSeconds(); secs > 0 {
		interval = time.Duration(secs) * time.Second
	}
	a.setCheckPlan(reg.GetEnabledChecks(), checks.ParseSettings(reg.GetCheckConfig()))

	if err := a.client.OpenDriftStream(ctx); err != nil {
		log.Printf("drift stream unavailable: %v", err)
	}

	go a.healLoop(ctx)
	go a.heartbeatLoop(ctx)

	watcher := eventlog.NewWatcher(func(e *eventlog.Event) {
		a.sendOrQueue(e.Drift(a.client.AgentID(), checks.Hostname()))
		if e.PolicyChange() {
			select {
			case a.kick <- struct{}{}:
			default:
			}
		}
	})
	if err := watcher.Start(); err != nil {
		log.Printf("event log watcher: %v (polling still active)", err)
	} else {
		defer watcher.Stop()
	}

	enabled, _ := a.checkPlan()
	log.Printf("check loop starting (interval=%v, checks=%v)", interval, enabled)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down")
			return nil
		case <-ticker.C:
			a.runChecks(ctx)
		case <-a.kick:
			log.Println("policy change observed, re-running checks")
			a.runChecks(ctx)
		}
	}
}

// discoverAppliance resolves the appliance via AD-integrated DNS and
// caches a successful answer in the config file.
func discoverAppliance(ctx context.Context, cfg *config.Config) {
	domain := cfg.Domain
	if domain == "" {
		domain = discovery.MachineDomain(ctx)
		if domain != "" {
			log.Printf("[discovery] machine domain: %s", domain)
			cfg.Domain = domain
		}
	}
	if domain == "" {
		log.Println("[discovery] not domain-joined, cannot discover appliance")
		return
	}
	addr, err := discovery.LookupWithRetry(domain, discovery.DefaultAttempts)
	if err != nil {
		log.Printf("[discovery] %v", err)
		return
	}
	log.Printf("[discovery] appliance at %s", addr)
	cfg.ApplianceAddr = addr
	if err := cfg.Save(); err != nil {
		log.Printf("[discovery] cache config: %v", err)
	}
}

// runChecks executes one compliance cycle: run the enabled probes, emit
// drift for failures the flap detector lets through, report the RMM
// inventory, then drain anything queued while offline.
func (a *agent) runChecks(ctx context.Context) {
	start := time.Now()
	enabled, settings := a.checkPlan()
	results := checks.Run(ctx, enabled, settings)

	passed, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			log.Printf("  [error] %s: %v", r.Type, r.Err)
			continue
		}
		if r.Passed {
			passed++
		} else {
			failed++
			log.Printf("  [fail] %s: expected=%q actual=%q", r.Type, r.Expected, r.Actual)
		}
		if !a.flap.Observe(r.Type, r.Passed) {
			continue
		}
		a.sendOrQueue(&pb.DriftEvent{
			CheckType:    r.Type,
			Passed:       r.Passed,
			Expected:     r.Expected,
			Actual:       r.Actual,
			HipaaControl: r.Control,
			Metadata:     r.Detail,
		})
	}
	log.Printf("cycle done in %v: %d passed, %d failed", time.Since(start).Round(time.Millisecond), passed, failed)

	a.reportRMM(ctx)
	a.drainQueue()
	if n, err := a.queue.Prune(); err == nil && n > 0 {
		log.Printf("pruned %d expired queued events", n)
	}
	a.writeStatus(results)
}

// sendOrQueue streams a drift event, falling back to the offline queue.
func (a *agent) sendOrQueue(event *pb.DriftEvent) {
	if err := a.client.SendDrift(event); err != nil {
		log.Printf("queueing drift event (%s): %v", event.GetCheckType(), err)
		if qErr := a.queue.Push(event); qErr != nil {
			log.Printf("offline queue: %v", qErr)
		}
	}
}

func (a *agent) drainQueue() {
	events, err := a.queue.Drain(drainBatchSize)
	if err != nil {
		log.Printf("drain queue: %v", err)
		return
	}
	sent := 0
	for _, event := range events {
		if err := a.client.SendDrift(event); err != nil {
			// Connection dropped again; keep the rest for later.
			a.queue.Push(event)
			break
		}
		sent++
	}
	if sent > 0 {
		log.Printf("drained %d queued events", sent)
	}
}

func (a *agent) reportRMM(ctx context.Context) {
	products := checks.DetectRMM(ctx, nil)
	if len(products) == 0 {
		return
	}
	agents := make([]*pb.RMMAgent, len(products))
	for i, p := range products {
		agents[i] = &pb.RMMAgent{Name: p.Name, Running: p.Running}
	}
	if err := a.client.ReportRMM(ctx, agents); err != nil {
		log.Printf("rmm report: %v", err)
	}
}

// healLoop executes heal commands as the appliance delivers them, in
// drift acks or heartbeat responses, and reports each outcome.
func (a *agent) healLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.client.HealCmds:
			res := a.executeHeal(ctx, cmd)
			err := a.client.ReportHealing(ctx, &pb.HealingResult{
				CommandId: res.CommandID,
				CheckType: res.CheckType,
				Action:    res.Action,
				Success:   res.Success,
				Message:   res.Error,
				Artifacts: res.Artifacts,
			})
			if err != nil {
				log.Printf("report healing %s: %v", res.CommandID, err)
			}
		}
	}
}

// executeHeal applies the configured capability tier before running a
// command: monitor-only agents report every command as skipped, and only
// full-remediation agents honor appliance-supplied parameters.
func (a *agent) executeHeal(ctx context.Context, cmd *pb.HealCommand) *healing.Result {
	switch capabilityTier(a.cfg.CapabilityTier) {
	case pb.CapabilityTier_MONITOR_ONLY:
		return &healing.Result{
			CommandID: cmd.GetCommandId(),
			CheckType: cmd.GetCheckType(),
			Action:    cmd.GetAction(),
			Success:   false,
			Error:     "skipped: agent is monitor-only",
		}
	case pb.CapabilityTier_FULL_REMEDIATION:
		return healing.Execute(ctx, cmd)
	default:
		if len(cmd.GetParams()) > 0 {
			stripped := *cmd
			stripped.Params = nil
			cmd = &stripped
		}
		return healing.Execute(ctx, cmd)
	}
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.client.Heartbeat(ctx, time.Since(a.started), a.queue.Depth())
			if err != nil {
				log.Printf("heartbeat: %v", err)
				if err := a.client.Reconnect(); err == nil {
					a.client.OpenDriftStream(ctx)
				}
				continue
			}
			if resp.GetConfigChanged() {
				log.Println("appliance config changed, re-registering")
				if reg, err := a.client.Register(ctx, capabilityTier(a.cfg.CapabilityTier)); err == nil {
					a.setCheckPlan(reg.GetEnabledChecks(), checks.ParseSettings(reg.GetCheckConfig()))
				}
			}
		}
	}
}

// writeStatus drops a JSON snapshot next to the queue for technicians
// poking at a machine locally.
func (a *agent) writeStatus(results []checks.Result) {
	type checkStatus struct {
		Passed bool   `json:"passed"`
		Actual string `json:"actual,omitempty"`
	}
	snapshot := struct {
		AgentID    string                 `json:"agent_id"`
		Appliance  string                 `json:"appliance"`
		UpdatedAt  time.Time              `json:"updated_at"`
		QueueDepth int                    `json:"queue_depth"`
		Checks     map[string]checkStatus `json:"checks"`
	}{
		AgentID:    a.client.AgentID(),
		Appliance:  a.cfg.ApplianceAddr,
		UpdatedAt:  time.Now().UTC(),
		QueueDepth: a.queue.Depth(),
		Checks:     make(map[string]checkStatus, len(results)),
	}
	for _, r := range results {
		snapshot.Checks[r.Type] = checkStatus{Passed: r.Passed, Actual: r.Actual}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(a.cfg.StatusPath(), data, 0o644); err != nil {
		log.Printf("status file: %v", err)
	}
}

func capabilityTier(name string) pb.CapabilityTier {
	switch name {
	case "monitor":
		return pb.CapabilityTier_MONITOR_ONLY
	case "full":
		return pb.CapabilityTier_FULL_REMEDIATION
	default:
		return pb.CapabilityTier_SELF_HEAL
	}
}

func dryRun() {
	log.Println("dry run: single check cycle, no appliance connection")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	results := checks.Run(ctx,
		[]string{"bitlocker", "defender", "patches", "firewall", "screenlock", "rmm_detection"},
		checks.DefaultSettings())

	for _, r := range results {
		status := "PASS"
		switch {
		case r.Err != nil:
			status = "ERROR"
		case !r.Passed:
			status = "FAIL"
		}
		fmt.Printf("[%s] %s\n", status, r.Type)
		if r.Control != "" {
			fmt.Printf("  control:  %s\n", r.Control)
		}
		if r.Err != nil {
			fmt.Printf("  error:    %v\n", r.Err)
		} else {
			fmt.Printf("  expected: %s\n", r.Expected)
			fmt.Printf("  actual:   %s\n", r.Actual)
		}
		for k, v := range r.Detail {
			fmt.Printf("    %s: %s\n", k, v)
		}
	}
}
