// Package orders processes pending orders from the control plane.
//
// Order flow:
//  1. Fetch pending orders from the checkin response
//  2. Verify each order: Ed25519 signature, host scope, TTL, nonce
//  3. Dispatch to handler by order_type
//  4. Complete order with result (success/failure)
//
// Verification is the appliance's defense against a compromised relay: an
// order is dispatched only if its detached signature checks out against
// the server public key, the signed payload names this appliance (or no
// appliance), expires_at has not passed, and the nonce was never seen
// before. Nonces persist in SQLite across restarts.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianmsp/fleet/internal/crypto"
)

// Order is one pending order from the control plane. SignedPayload is the
// exact byte string the server signed; Signature is hex Ed25519 over it.
type Order struct {
	OrderID       string                 `json:"order_id"`
	OrderType     string                 `json:"order_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	Nonce         string                 `json:"nonce"`
	SignedPayload string                 `json:"signed_payload"`
	Signature     string                 `json:"signature"`
}

// OrderResult is the result of processing an order.
type OrderResult struct {
	OrderID string                 `json:"order_id"`
	Success bool                   `json:"success"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// signedOrder is the parsed form of the canonical signed payload.
type signedOrder struct {
	OrderID           string                 `json:"order_id"`
	OrderType         string                 `json:"order_type"`
	Parameters        map[string]interface{} `json:"parameters"`
	Priority          int                    `json:"priority"`
	CreatedAt         string                 `json:"created_at"`
	ExpiresAt         string                 `json:"expires_at"`
	Nonce             string                 `json:"nonce"`
	TargetApplianceID string                 `json:"target_appliance_id"`
}

// HandlerFunc is the signature for order handlers.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// CompletionCallback reports an order result back to the control plane.
type CompletionCallback func(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error

// AckCallback marks an order as executing before dispatch.
type AckCallback func(ctx context.Context, orderID string) error

// Processor verifies, dispatches, and completes orders.
type Processor struct {
	handlers    map[string]HandlerFunc
	onComplete  CompletionCallback
	onAck       AckCallback
	stateDir    string
	verifier    *crypto.OrderVerifier
	applianceID string
	nonces      *NonceStore
}

// NewProcessor creates an order processor rooted at stateDir. The nonce
// database lives under stateDir; if it cannot be opened, verification
// fails closed once a server key is installed.
func NewProcessor(stateDir string, onComplete CompletionCallback) *Processor {
	p := &Processor{
		handlers:   make(map[string]HandlerFunc),
		onComplete: onComplete,
		stateDir:   stateDir,
		verifier:   crypto.NewOrderVerifier(""),
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Printf("[orders] state dir %s: %v", stateDir, err)
	}
	nonces, err := OpenNonceStore(filepath.Join(stateDir, "order_nonces.db"))
	if err != nil {
		log.Printf("[orders] nonce store unavailable: %v", err)
	} else {
		p.nonces = nonces
	}

	p.handlers["force_checkin"] = p.handleForceCheckin
	p.handlers["run_drift"] = p.handleRunDrift
	p.handlers["sync_rules"] = p.handleSyncRules
	p.handlers["restart_agent"] = p.handleRestartAgent
	p.handlers["nixos_rebuild"] = p.handleNixOSRebuild
	p.handlers["update_agent"] = p.handleUpdateAgent
	p.handlers["update_iso"] = p.handleUpdateISO
	p.handlers["view_logs"] = p.handleViewLogs
	p.handlers["diagnostic"] = p.handleDiagnostic
	p.handlers["deploy_sensor"] = p.handleDeploySensor
	p.handlers["remove_sensor"] = p.handleRemoveSensor
	p.handlers["deploy_linux_sensor"] = p.handleDeployLinuxSensor
	p.handlers["remove_linux_sensor"] = p.handleRemoveLinuxSensor
	p.handlers["sensor_status"] = p.handleSensorStatus
	p.handlers["sync_promoted_rule"] = p.handleSyncPromotedRule
	p.handlers["healing"] = p.handleHealing
	p.handlers["update_credentials"] = p.handleUpdateCredentials

	return p
}

// RegisterHandler adds or replaces a handler for an order type. Subsystems
// (healing engine, drift scanner, rules syncer) inject their handlers here.
func (p *Processor) RegisterHandler(orderType string, handler HandlerFunc) {
	p.handlers[orderType] = handler
}

// SetServerPublicKey installs the control-plane Ed25519 key. From this
// point every order must verify before dispatch.
func (p *Processor) SetServerPublicKey(hexKey string) error {
	return p.verifier.SetPublicKey(hexKey)
}

// SetApplianceID records this appliance's identity for host scoping.
func (p *Processor) SetApplianceID(id string) {
	p.applianceID = id
}

// SetAckCallback installs the pre-dispatch acknowledgement reporter.
func (p *Processor) SetAckCallback(cb AckCallback) {
	p.onAck = cb
}

// Close releases the nonce store.
func (p *Processor) Close() {
	if p.nonces != nil {
		p.nonces.Close()
	}
}

// PruneNonces drops replay-protection rows older than maxAge.
func (p *Processor) PruneNonces(maxAge time.Duration) {
	if p.nonces == nil {
		return
	}
	if n, err := p.nonces.Prune(maxAge); err != nil {
		log.Printf("[orders] nonce prune: %v", err)
	} else if n > 0 {
		log.Printf("[orders] pruned %d expired nonce(s)", n)
	}
}

// Process handles a single order: verify, ack, dispatch, complete.
func (p *Processor) Process(ctx context.Context, order *Order) *OrderResult {
	if order.OrderID == "" || order.OrderType == "" {
		log.Printf("[orders] Skipping order with missing id or type")
		return nil
	}

	log.Printf("[orders] Processing order %s: %s", order.OrderID, order.OrderType)

	params, err := p.verifyOrder(order)
	if err != nil {
		errMsg := fmt.Sprintf("order verification failed: %v", err)
		log.Printf("[orders] %s (order %s)", errMsg, order.OrderID)
		p.complete(ctx, order.OrderID, false, nil, errMsg)
		return &OrderResult{OrderID: order.OrderID, Success: false, Error: errMsg}
	}

	handler, ok := p.handlers[order.OrderType]
	if !ok {
		errMsg := fmt.Sprintf("unknown order type: %s", order.OrderType)
		log.Printf("[orders] %s for order %s", errMsg, order.OrderID)
		p.complete(ctx, order.OrderID, false, nil, errMsg)
		return &OrderResult{OrderID: order.OrderID, Success: false, Error: errMsg}
	}

	if p.onAck != nil {
		if err := p.onAck(ctx, order.OrderID); err != nil {
			log.Printf("[orders] ack for %s failed: %v (continuing)", order.OrderID, err)
		}
	}

	result, err := handler(ctx, params)
	if err != nil {
		log.Printf("[orders] Order %s failed: %v", order.OrderID, err)
		p.complete(ctx, order.OrderID, false, nil, err.Error())
		return &OrderResult{OrderID: order.OrderID, Success: false, Error: err.Error()}
	}

	log.Printf("[orders] Order %s completed successfully", order.OrderID)
	p.complete(ctx, order.OrderID, true, result, "")
	return &OrderResult{OrderID: order.OrderID, Success: true, Result: result}
}

// ProcessAll handles a batch of orders sequentially.
func (p *Processor) ProcessAll(ctx context.Context, orders []Order) []*OrderResult {
	var results []*OrderResult
	for i := range orders {
		select {
		case <-ctx.Done():
			return results
		default:
		}
		if r := p.Process(ctx, &orders[i]); r != nil {
			results = append(results, r)
		}
	}
	return results
}

// verifyOrder runs the pre-dispatch gate and returns the parameters the
// handler should see. Before the server key arrives (pre-first-checkin)
// orders pass through unverified; once a key is installed, every check is
// mandatory and signed parameters override envelope parameters.
func (p *Processor) verifyOrder(order *Order) (map[string]interface{}, error) {
	params := order.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	if !p.verifier.HasKey() {
		log.Printf("[orders] no server key yet, dispatching %s unverified", order.OrderID)
		return params, nil
	}

	if order.SignedPayload == "" || order.Signature == "" {
		return nil, fmt.Errorf("order is unsigned")
	}
	if err := p.verifier.VerifyOrder(order.SignedPayload, order.Signature); err != nil {
		return nil, err
	}

	var signed signedOrder
	if err := json.Unmarshal([]byte(order.SignedPayload), &signed); err != nil {
		return nil, fmt.Errorf("parse signed payload: %w", err)
	}

	// Envelope fields must match what the server signed, or the relay
	// spliced a valid signature onto a different order.
	if signed.OrderID != order.OrderID {
		return nil, fmt.Errorf("signed order_id %q does not match envelope %q", signed.OrderID, order.OrderID)
	}
	if signed.OrderType != order.OrderType {
		return nil, fmt.Errorf("signed order_type %q does not match envelope %q", signed.OrderType, order.OrderType)
	}

	if signed.TargetApplianceID != "" && p.applianceID != "" && signed.TargetApplianceID != p.applianceID {
		return nil, fmt.Errorf("order targets appliance %s, this is %s", signed.TargetApplianceID, p.applianceID)
	}

	if signed.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, signed.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		if time.Now().After(expires) {
			return nil, fmt.Errorf("order expired at %s", signed.ExpiresAt)
		}
	} else {
		return nil, fmt.Errorf("order has no expires_at")
	}

	if signed.Nonce == "" {
		return nil, fmt.Errorf("order has no nonce")
	}
	if p.nonces == nil {
		return nil, fmt.Errorf("nonce store unavailable, refusing order")
	}
	fresh, err := p.nonces.CheckAndRecord(signed.Nonce, order.OrderID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, fmt.Errorf("nonce %s already seen, replay rejected", signed.Nonce)
	}

	// Signed parameters are authoritative; envelope-injected keys (like
	// _order_id) survive unless the server signed an override.
	for k, v := range signed.Parameters {
		params[k] = v
	}
	return params, nil
}

// CompletePendingRebuild checks for deferred rebuild completion on startup.
func (p *Processor) CompletePendingRebuild(ctx context.Context) {
	pendingFile := filepath.Join(p.stateDir, ".pending-rebuild-order")
	data, err := os.ReadFile(pendingFile)
	if err != nil {
		return // no pending rebuild
	}

	orderID := strings.TrimSpace(string(data))
	if orderID == "" {
		return
	}

	log.Printf("[orders] Completing deferred rebuild order %s", orderID)

	// The daemon came back up and is checking in, so the rebuild took.
	result := map[string]interface{}{
		"status":                  "rebuild_complete",
		"completed_after_restart": true,
		"message":                 "System successfully restarted after rebuild",
	}

	p.complete(ctx, orderID, true, result, "")

	// The NixOS watchdog timer reads .rebuild-verified to know it is safe
	// to persist the rebuild with `nixos-rebuild switch`. Without it, the
	// watchdog rolls back after 10 minutes.
	verifiedPath := filepath.Join(p.stateDir, ".rebuild-verified")
	os.WriteFile(verifiedPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
	log.Printf("[orders] Wrote %s, watchdog will persist rebuild", verifiedPath)

	os.Remove(pendingFile)
	os.Remove(filepath.Join(p.stateDir, ".rebuild-in-progress"))
}

// HandlerCount returns the number of registered handlers.
func (p *Processor) HandlerCount() int {
	return len(p.handlers)
}

func (p *Processor) complete(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) {
	if p.onComplete == nil {
		return
	}
	if err := p.onComplete(ctx, orderID, success, result, errMsg); err != nil {
		log.Printf("[orders] Failed to report completion for %s: %v", orderID, err)
	}
}

// --- Parameter allowlists ---

const officialFlakePrefix = "github:meridianmsp/fleet#"

// validateFlakeRef rejects rebuild targets outside the official flake.
func validateFlakeRef(ref string) error {
	if ref == "" {
		return nil // default ref is used
	}
	if !strings.HasPrefix(ref, officialFlakePrefix) {
		return fmt.Errorf("SECURITY: flake_ref %q is not the official appliance flake", ref)
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("SECURITY: flake_ref %q contains path traversal", ref)
	}
	return nil
}

// allowedDownloadHosts are the only origins updates may be fetched from.
var allowedDownloadHosts = map[string]bool{
	"github.com":                    true,
	"objects.githubusercontent.com": true,
	"releases.meridianmsp.com":      true,
}

// validateDownloadURL rejects update sources outside the release origins.
func validateDownloadURL(rawURL, field string) error {
	if rawURL == "" {
		return fmt.Errorf("SECURITY: %s is empty", field)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("SECURITY: %s is not a valid URL: %v", field, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("SECURITY: %s must be https, got %q", field, u.Scheme)
	}
	if !allowedDownloadHosts[u.Hostname()] {
		return fmt.Errorf("SECURITY: %s host %q is not an allowed release origin", field, u.Hostname())
	}
	return nil
}

// promotedRule is the subset of an L1 rule the processor validates before
// writing a synced rule to disk.
type promotedRule struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Action     string `yaml:"action"`
	Conditions []struct {
		Field    string      `yaml:"field"`
		Operator string      `yaml:"operator"`
		Value    interface{} `yaml:"value"`
	} `yaml:"conditions"`
}

var allowedRuleActions = map[string]bool{
	"escalate":        true,
	"execute_runbook": true,
}

const maxPromotedRuleBytes = 8192

// validatePromotedRule enforces shape and safety on a pushed rule.
func validatePromotedRule(ruleID, ruleYAML string) error {
	if len(ruleYAML) > maxPromotedRuleBytes {
		return fmt.Errorf("SECURITY: rule YAML is %d bytes, max %d", len(ruleYAML), maxPromotedRuleBytes)
	}

	var rule promotedRule
	if err := yaml.Unmarshal([]byte(ruleYAML), &rule); err != nil {
		return fmt.Errorf("parse rule YAML: %w", err)
	}

	if rule.ID != ruleID {
		return fmt.Errorf("rule YAML id %q does not match order rule_id %q", rule.ID, ruleID)
	}
	if !allowedRuleActions[rule.Action] {
		return fmt.Errorf("SECURITY: rule action %q is not allowed", rule.Action)
	}
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("rule has no conditions")
	}
	return nil
}

// --- Built-in handlers ---

func (p *Processor) handleForceCheckin(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Actual checkin is handled by the daemon's phone-home client.
	return map[string]interface{}{"status": "checkin_triggered"}, nil
}

func (p *Processor) handleRunDrift(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Actual drift detection is handled by the daemon's drift scanner.
	return map[string]interface{}{"status": "drift_scan_triggered"}, nil
}

func (p *Processor) handleSyncRules(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// The daemon's rules syncer replaces this handler at startup.
	return map[string]interface{}{"status": "sync_triggered"}, nil
}

func (p *Processor) handleRestartAgent(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	log.Printf("[orders] Scheduling daemon restart in 5 seconds")

	go func() {
		time.Sleep(5 * time.Second)
		cmd := exec.Command("systemctl", "restart", "appliance-daemon")
		if err := cmd.Run(); err != nil {
			log.Printf("[orders] Restart failed: %v", err)
		}
	}()

	return map[string]interface{}{"status": "restart_scheduled"}, nil
}

func (p *Processor) handleNixOSRebuild(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	flakeRef, _ := params["flake_ref"].(string)
	if err := validateFlakeRef(flakeRef); err != nil {
		return nil, err
	}
	if flakeRef == "" {
		flakeRef = officialFlakePrefix + "meridian-appliance-disk"
	}

	// Current system path is the rollback target.
	currentSystem, _ := os.Readlink("/run/current-system")

	markerData := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"previous_system": currentSystem,
		"flake_ref":       flakeRef,
	}
	markerJSON, _ := json.Marshal(markerData)
	markerPath := filepath.Join(p.stateDir, ".rebuild-in-progress")
	if err := os.WriteFile(markerPath, markerJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write rebuild marker: %w", err)
	}

	// Persist order_id for post-restart completion.
	if orderID, _ := params["_order_id"].(string); orderID != "" {
		pendingPath := filepath.Join(p.stateDir, ".pending-rebuild-order")
		os.WriteFile(pendingPath, []byte(orderID), 0o644)
	}

	log.Printf("[orders] Two-phase rebuild: nixos-rebuild test --flake %s --refresh", flakeRef)

	// Run nixos-rebuild test via systemd-run to escape the daemon's
	// ProtectSystem=strict sandbox.
	// --unit=fleet-rebuild: predictable unit name for tracking/cancellation
	// --pipe: forward stdout/stderr through to CombinedOutput
	// --collect: clean up unit after completion
	// --wait: block until rebuild finishes
	cmd := exec.CommandContext(ctx, "systemd-run",
		"--unit=fleet-rebuild", "--wait", "--pipe", "--collect",
		"--property=TimeoutStartSec=600",
		"/run/current-system/sw/bin/nixos-rebuild", "test", "--flake", flakeRef, "--refresh")

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(markerPath)
		outStr := string(output)
		if len(outStr) > 500 {
			outStr = outStr[len(outStr)-500:]
		}
		log.Printf("[orders] nixos-rebuild test failed (exit %v)", err)
		return nil, fmt.Errorf("nixos-rebuild test failed: %v\n%s", err, outStr)
	}

	log.Printf("[orders] nixos-rebuild test succeeded, scheduling daemon restart in 10s")

	// The daemon restarts into the test generation and calls
	// CompletePendingRebuild() after its first successful checkin.
	go func() {
		time.Sleep(10 * time.Second)
		exec.Command("systemctl", "restart", "appliance-daemon").Run()
	}()

	return map[string]interface{}{
		"status":          "test_activated",
		"previous_system": currentSystem,
		"message":         "NixOS rebuild test activated. Watchdog will persist after successful checkin or roll back after 10min.",
	}, nil
}

func (p *Processor) handleUpdateAgent(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	packageURL, _ := params["package_url"].(string)
	version, _ := params["version"].(string)

	if err := validateDownloadURL(packageURL, "package_url"); err != nil {
		return nil, err
	}
	if version == "" {
		version = "unknown"
	}

	return map[string]interface{}{
		"status":  "update_received",
		"version": version,
		"message": "Agent update will be applied",
	}, nil
}

func (p *Processor) handleUpdateISO(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	version, _ := params["version"].(string)
	isoURL, _ := params["iso_url"].(string)

	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if err := validateDownloadURL(isoURL, "iso_url"); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"status":  "update_received",
		"version": version,
		"message": "ISO update will be applied during maintenance window",
	}, nil
}

func (p *Processor) handleViewLogs(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	lines := 50
	if l, ok := params["lines"].(float64); ok && l > 0 {
		lines = int(l)
		if lines > 500 {
			lines = 500
		}
	}

	cmd := exec.Command("journalctl", "-u", "appliance-daemon", "--no-pager", "-n", fmt.Sprintf("%d", lines))
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("journalctl: %w", err)
	}

	return map[string]interface{}{
		"logs":  string(output),
		"lines": lines,
	}, nil
}

// allowedDiagnostics defines the whitelisted diagnostic commands.
var allowedDiagnostics = map[string][]string{
	"agent_status":    {"systemctl", "status", "appliance-daemon"},
	"agent_logs":      {"journalctl", "-u", "appliance-daemon", "--no-pager", "-n", "100"},
	"system_logs":     {"journalctl", "--no-pager", "-n", "100"},
	"disk_usage":      {"df", "-h"},
	"memory":          {"free", "-h"},
	"uptime":          {"uptime"},
	"network":         {"ip", "addr", "show"},
	"dns":             {"cat", "/etc/resolv.conf"},
	"time_sync":       {"timedatectl", "status"},
	"nix_generations": {"nix-env", "--list-generations", "-p", "/nix/var/nix/profiles/system"},
	"current_system":  {"readlink", "/run/current-system"},
	"services":        {"systemctl", "list-units", "--type=service", "--state=running", "--no-pager"},
	"firewall":        {"nft", "list", "ruleset"},
	"evidence_queue":  {"ls", "-la", "/var/lib/msp/evidence/"},
	"rebuild_status":  {"cat", "/var/lib/msp/.rebuild-in-progress"},
}

func (p *Processor) handleDiagnostic(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	args, ok := allowedDiagnostics[command]
	if !ok {
		return nil, fmt.Errorf("command %q not in whitelist", command)
	}

	cmd := exec.Command(args[0], args[1:]...)
	output, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	outStr := string(output)
	if len(outStr) > 2000 {
		outStr = outStr[:2000] + "\n... (truncated)"
	}

	return map[string]interface{}{
		"command":   command,
		"exit_code": exitCode,
		"output":    outStr,
	}, nil
}

func (p *Processor) handleDeploySensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, _ := params["hostname"].(string)
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}

	// The daemon's deploy pipeline replaces this handler at startup.
	return map[string]interface{}{
		"status":   "deploy_triggered",
		"hostname": hostname,
	}, nil
}

func (p *Processor) handleRemoveSensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, _ := params["hostname"].(string)
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}

	return map[string]interface{}{
		"status":   "remove_triggered",
		"hostname": hostname,
	}, nil
}

func (p *Processor) handleDeployLinuxSensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, _ := params["hostname"].(string)
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}

	return map[string]interface{}{
		"status":   "deploy_triggered",
		"hostname": hostname,
	}, nil
}

func (p *Processor) handleRemoveLinuxSensor(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	hostname, _ := params["hostname"].(string)
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}

	return map[string]interface{}{
		"status":   "remove_triggered",
		"hostname": hostname,
	}, nil
}

func (p *Processor) handleSensorStatus(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// The daemon replaces this with a registry-backed report at startup.
	return map[string]interface{}{
		"status":               "collected",
		"total_active_sensors": 0,
	}, nil
}

func (p *Processor) handleSyncPromotedRule(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	ruleID, _ := params["rule_id"].(string)
	ruleYAML, _ := params["rule_yaml"].(string)

	if ruleID == "" || ruleYAML == "" {
		return nil, fmt.Errorf("rule_id and rule_yaml are required")
	}
	if err := validatePromotedRule(ruleID, ruleYAML); err != nil {
		return nil, err
	}

	// Promoted rules land at the top of the rules dir where the L1 engine
	// loads YAML from; the rules watcher picks up the write and reloads.
	rulesDir := filepath.Join(p.stateDir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}

	rulePath := filepath.Join(rulesDir, "promoted-"+ruleID+".yaml")
	if _, err := os.Stat(rulePath); err == nil {
		return map[string]interface{}{
			"status":  "already_exists",
			"rule_id": ruleID,
		}, nil
	}

	if err := os.WriteFile(rulePath, []byte(ruleYAML), 0o644); err != nil {
		return nil, fmt.Errorf("write promoted rule: %w", err)
	}

	return map[string]interface{}{
		"status":  "deployed",
		"rule_id": ruleID,
	}, nil
}

func (p *Processor) handleHealing(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	runbookID, _ := params["runbook_id"].(string)
	if runbookID == "" {
		return nil, fmt.Errorf("runbook_id is required")
	}

	// The daemon replaces this with executeHealingOrder at startup; an
	// unreplaced stub means healing orders cannot run.
	return nil, fmt.Errorf("healing handler not registered")
}

func (p *Processor) handleUpdateCredentials(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	// Credential refresh is handled by the daemon's phone-home client.
	return map[string]interface{}{"status": "credential_refresh_triggered"}, nil
}
