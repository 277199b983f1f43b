package grpcserver

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
	"github.com/meridianmsp/fleet/internal/ca"
)

const bufSize = 1024 * 1024

type capturedArtifacts struct {
	mu        sync.Mutex
	hostname  string
	checkType string
	artifacts map[string]string
}

func (c *capturedArtifacts) sink(hostname, checkType string, artifacts map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostname = hostname
	c.checkType = checkType
	c.artifacts = artifacts
}

func setupTestServer(t *testing.T, agentCA *ca.AgentCA, sink func(string, string, map[string]string)) (pb.ComplianceAgentClient, *AgentRegistry, chan HealRequest, func()) {
	t.Helper()

	registry := NewAgentRegistry()
	healChan := make(chan HealRequest, 64)

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	pb.RegisterComplianceAgentServer(srv, &servicer{
		registry:     registry,
		agentCA:      agentCA,
		healChan:     healChan,
		siteID:       "test-site",
		artifactSink: sink,
	})

	go func() {
		_ = srv.Serve(lis)
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	client := pb.NewComplianceAgentClient(conn)

	cleanup := func() {
		conn.Close()
		srv.GracefulStop()
		lis.Close()
	}

	return client, registry, healChan, cleanup
}

func TestRegisterRPC(t *testing.T) {
	client, registry, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Register(ctx, &pb.RegisterRequest{
		Hostname:          "CLINWS01",
		OsVersion:         "Windows 11 Pro",
		AgentVersion:      "0.4.1",
		InstalledSoftware: []string{"ScreenConnect", "Office365"},
		MacAddress:        "aa:bb:cc:dd:ee:ff",
		NeedsCertificates: false,
		CapabilityTier:    pb.CapabilityTier_SELF_HEAL,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if resp.AgentId == "" {
		t.Fatal("AgentId should not be empty")
	}
	if resp.CheckIntervalSeconds != 300 {
		t.Fatalf("expected interval 300, got %d", resp.CheckIntervalSeconds)
	}
	if len(resp.EnabledChecks) != 6 {
		t.Fatalf("expected 6 enabled checks, got %d", len(resp.EnabledChecks))
	}
	// Tier is echoed back; enforcement is agent-side.
	if resp.CapabilityTier != pb.CapabilityTier_SELF_HEAL {
		t.Fatalf("expected SELF_HEAL tier echoed, got %v", resp.CapabilityTier)
	}
	if resp.CheckConfig["patches.max_age_days"] != "30" {
		t.Fatalf("expected patch age knob in check config, got %v", resp.CheckConfig)
	}

	if registry.ConnectedCount() != 1 {
		t.Fatalf("expected 1 registered agent, got %d", registry.ConnectedCount())
	}
	if !registry.HasAgentForHost("CLINWS01") {
		t.Fatal("CLINWS01 should be in registry")
	}
	agent := registry.GetAgentByHostname("clinws01")
	if agent == nil || agent.Tier != pb.CapabilityTier_SELF_HEAL {
		t.Fatalf("registry should record the requested tier, got %+v", agent)
	}
}

func TestRegisterWithCertEnrollment(t *testing.T) {
	caDir := t.TempDir()
	agentCA := ca.New(caDir)
	if err := agentCA.EnsureCA(); err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}

	client, _, _, cleanup := setupTestServer(t, agentCA, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Register(ctx, &pb.RegisterRequest{
		Hostname:          "CLINWS01",
		NeedsCertificates: true,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(resp.CaCertPem) == 0 {
		t.Fatal("CaCertPem should not be empty when NeedsCertificates=true")
	}
	if len(resp.AgentCertPem) == 0 {
		t.Fatal("AgentCertPem should not be empty")
	}
	if len(resp.AgentKeyPem) == 0 {
		t.Fatal("AgentKeyPem should not be empty")
	}
}

func TestRegisterWithoutCA(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Register(ctx, &pb.RegisterRequest{
		Hostname:          "CLINWS01",
		NeedsCertificates: true,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Registration still succeeds, just without certs.
	if len(resp.CaCertPem) != 0 {
		t.Fatal("CaCertPem should be empty when CA not configured")
	}
}

func TestReportDriftStream(t *testing.T) {
	client, registry, healChan, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	regResp, err := client.Register(ctx, &pb.RegisterRequest{Hostname: "CLINWS01"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	stream, err := client.ReportDrift(ctx)
	if err != nil {
		t.Fatalf("ReportDrift: %v", err)
	}

	// Passing check: acked, no heal command.
	err = stream.Send(&pb.DriftEvent{
		AgentId:   regResp.AgentId,
		Hostname:  "CLINWS01",
		CheckType: "bitlocker",
		Passed:    true,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Send passing drift: %v", err)
	}

	ack, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv ack: %v", err)
	}
	if !ack.Received {
		t.Fatal("expected ack.Received = true")
	}
	if ack.HealCommand != nil {
		t.Fatal("passing check should not have heal command")
	}

	// Failing firewall check: heal command in the ack plus healing route.
	err = stream.Send(&pb.DriftEvent{
		AgentId:      regResp.AgentId,
		Hostname:     "CLINWS01",
		CheckType:    "firewall",
		Passed:       false,
		Expected:     "enabled",
		Actual:       "disabled",
		Severity:     "critical",
		HipaaControl: "164.312(a)(1)",
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Send failing drift: %v", err)
	}

	ack, err = stream.Recv()
	if err != nil {
		t.Fatalf("Recv ack: %v", err)
	}
	if ack.HealCommand == nil {
		t.Fatal("failing firewall check should have heal command")
	}
	if ack.HealCommand.Action != "enable" {
		t.Fatalf("expected heal action 'enable', got %q", ack.HealCommand.Action)
	}
	if ack.HealCommand.CheckType != "firewall" {
		t.Fatalf("expected check type 'firewall', got %q", ack.HealCommand.CheckType)
	}
	if ack.HealCommand.TimeoutSeconds != 60 {
		t.Fatalf("expected 60s timeout, got %d", ack.HealCommand.TimeoutSeconds)
	}

	select {
	case req := <-healChan:
		if req.CheckType != "firewall_status" { // mapped from "firewall"
			t.Fatalf("expected mapped check type 'firewall_status', got %q", req.CheckType)
		}
		if req.Hostname != "CLINWS01" {
			t.Fatalf("expected hostname CLINWS01, got %s", req.Hostname)
		}
		if req.Severity != "critical" {
			t.Fatalf("expected severity critical, got %q", req.Severity)
		}
		if req.HIPAAControl != "164.312(a)(1)" {
			t.Fatalf("expected HIPAA control preserved, got %q", req.HIPAAControl)
		}
	case <-time.After(time.Second):
		t.Fatal("expected heal request on channel")
	}

	agent := registry.GetAgent(regResp.AgentId)
	if agent == nil {
		t.Fatal("agent should be in registry")
	}
	if agent.DriftCount != 2 { // 1 pass + 1 fail
		t.Fatalf("expected drift count 2, got %d", agent.DriftCount)
	}

	stream.CloseSend()
}

func TestDriftHealMapCoverage(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.ReportDrift(ctx)
	if err != nil {
		t.Fatalf("ReportDrift: %v", err)
	}

	tests := []struct {
		checkType  string
		wantAction string
		wantHeal   bool
	}{
		{"firewall", "enable", true},
		{"defender", "start", true},
		{"bitlocker", "enable", true},
		{"screenlock", "configure", true},
		{"rmm_detection", "", false},
	}

	for _, tt := range tests {
		err := stream.Send(&pb.DriftEvent{
			AgentId:   "go-WS01-abc",
			Hostname:  "WS01",
			CheckType: tt.checkType,
			Passed:    false,
			Timestamp: time.Now().Unix(),
		})
		if err != nil {
			t.Fatalf("Send %s: %v", tt.checkType, err)
		}

		ack, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv %s: %v", tt.checkType, err)
		}
		if tt.wantHeal {
			if ack.HealCommand == nil {
				t.Fatalf("%s: expected heal command", tt.checkType)
			}
			if ack.HealCommand.Action != tt.wantAction {
				t.Fatalf("%s: expected action %q, got %q", tt.checkType, tt.wantAction, ack.HealCommand.Action)
			}
		} else if ack.HealCommand != nil {
			t.Fatalf("%s: expected no heal command, got %+v", tt.checkType, ack.HealCommand)
		}
	}

	stream.CloseSend()
}

func TestReportHealingArtifactsGoToSink(t *testing.T) {
	captured := &capturedArtifacts{}
	client, _, _, cleanup := setupTestServer(t, nil, captured.sink)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := client.ReportHealing(ctx, &pb.HealingResult{
		AgentId:   "go-WS01-abc",
		Hostname:  "CLINWS01",
		CheckType: "bitlocker",
		Action:    "enable",
		Success:   true,
		Timestamp: time.Now().Unix(),
		CommandId: "heal-bitlocker-0001",
		Artifacts: map[string]string{"recovery_key": "123456-789012-345678"},
	})
	if err != nil {
		t.Fatalf("ReportHealing: %v", err)
	}
	if !ack.Received {
		t.Fatal("expected ack.Received = true")
	}
	if ack.EventId != "heal-bitlocker-0001" {
		t.Fatalf("expected ack to carry the command id, got %q", ack.EventId)
	}

	captured.mu.Lock()
	defer captured.mu.Unlock()
	if captured.hostname != "CLINWS01" || captured.checkType != "bitlocker" {
		t.Fatalf("sink got %s/%s", captured.hostname, captured.checkType)
	}
	if captured.artifacts["recovery_key"] != "123456-789012-345678" {
		t.Fatalf("sink should receive the verbatim artifact, got %v", captured.artifacts)
	}
}

func TestHeartbeat(t *testing.T) {
	client, registry, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	regResp, err := client.Register(ctx, &pb.RegisterRequest{Hostname: "CLINWS01"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	registry.QueueHealCommand("CLINWS01", &pb.HealCommand{
		CommandId: "queued-001",
		CheckType: "defender",
		Action:    "start",
	})

	resp, err := client.Heartbeat(ctx, &pb.HeartbeatRequest{
		AgentId:   regResp.AgentId,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !resp.Acknowledged {
		t.Fatal("expected acknowledged")
	}
	if len(resp.PendingCommands) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(resp.PendingCommands))
	}
	if resp.PendingCommands[0].CommandId != "queued-001" {
		t.Fatalf("expected queued-001, got %s", resp.PendingCommands[0].CommandId)
	}

	// Queue drained by the first heartbeat.
	resp, err = client.Heartbeat(ctx, &pb.HeartbeatRequest{
		AgentId:   regResp.AgentId,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Heartbeat 2: %v", err)
	}
	if len(resp.PendingCommands) != 0 {
		t.Fatalf("expected 0 pending commands, got %d", len(resp.PendingCommands))
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Heartbeat(ctx, &pb.HeartbeatRequest{
		AgentId:   "go-GHOST-dead",
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if resp.Acknowledged {
		t.Fatal("unknown agent should not be acknowledged")
	}
}

func TestHeartbeatConfigChanged(t *testing.T) {
	client, registry, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	regResp, err := client.Register(ctx, &pb.RegisterRequest{Hostname: "CLINWS01"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	registry.BumpConfigVersion()

	resp, err := client.Heartbeat(ctx, &pb.HeartbeatRequest{AgentId: regResp.AgentId})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !resp.ConfigChanged {
		t.Fatal("expected config_changed after bump")
	}

	resp, err = client.Heartbeat(ctx, &pb.HeartbeatRequest{AgentId: regResp.AgentId})
	if err != nil {
		t.Fatalf("Heartbeat 2: %v", err)
	}
	if resp.ConfigChanged {
		t.Fatal("config_changed should clear after delivery")
	}
}

func TestReportRMMStatus(t *testing.T) {
	client, registry, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	regResp, err := client.Register(ctx, &pb.RegisterRequest{Hostname: "CLINWS01"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ack, err := client.ReportRMMStatus(ctx, &pb.RMMStatusReport{
		AgentId:  regResp.AgentId,
		Hostname: "CLINWS01",
		DetectedAgents: []*pb.RMMAgent{
			{Name: "ScreenConnect", Version: "23.1", Running: true, InstallPath: `C:\Program Files\ScreenConnect`},
			{Name: "Datto RMM", Version: "1.5", Running: false, InstallPath: `C:\Program Files\Datto`},
		},
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("ReportRMMStatus: %v", err)
	}
	if !ack.Received {
		t.Fatal("expected ack.Received = true")
	}

	agent := registry.GetAgent(regResp.AgentId)
	if len(agent.RMMAgents) != 2 {
		t.Fatalf("expected 2 RMM agents, got %d", len(agent.RMMAgents))
	}
}

func TestDriftStreamEOF(t *testing.T) {
	client, _, _, cleanup := setupTestServer(t, nil, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.ReportDrift(ctx)
	if err != nil {
		t.Fatalf("ReportDrift: %v", err)
	}

	// Close without sending; the server should end the stream cleanly.
	stream.CloseSend()

	_, err = stream.Recv()
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestServerTLSFromApplianceCA(t *testing.T) {
	agentCA := ca.New(t.TempDir())
	if err := agentCA.EnsureCA(); err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}

	srv := NewServer(Config{ApplianceAddr: "10.0.40.2"}, NewAgentRegistry(), agentCA)
	tlsCfg, err := srv.serverTLS()
	if err != nil {
		t.Fatalf("serverTLS: %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected one server certificate, got %d", len(tlsCfg.Certificates))
	}
	if tlsCfg.ClientCAs == nil {
		t.Error("client CA pool should be populated for mTLS verification")
	}

	// A second call must reuse the minted cert rather than churn it.
	again, err := srv.serverTLS()
	if err != nil {
		t.Fatalf("serverTLS reuse: %v", err)
	}
	if string(again.Certificates[0].Certificate[0]) != string(tlsCfg.Certificates[0].Certificate[0]) {
		t.Error("server certificate should be reused across calls")
	}
}
