package grpcserver

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
	"github.com/meridianmsp/fleet/internal/ca"
)

// Config controls the gRPC listener.
type Config struct {
	// ListenAddr is the host:port the server binds, e.g. ":50051".
	ListenAddr string
	// ApplianceAddr is the address agents dial, used as the SAN on the
	// server certificate.
	ApplianceAddr string
	SiteID        string
	// ArtifactSink receives healing artifacts (BitLocker recovery keys
	// and the like). Artifacts are stored through the sink and never
	// logged verbatim. Optional.
	ArtifactSink func(hostname, checkType string, artifacts map[string]string)
}

// HealRequest is a failed agent drift event handed to the healing engine.
type HealRequest struct {
	AgentID      string
	Hostname     string
	CheckType    string
	Severity     string
	HIPAAControl string
	Expected     string
	Actual       string
	Metadata     map[string]string
}

// Server wraps the gRPC listener, the agent registry, and the channel that
// feeds failed agent drift into the healing engine.
type Server struct {
	cfg      Config
	registry *AgentRegistry
	agentCA  *ca.AgentCA
	grpcSrv  *grpc.Server

	// HealChan receives failed drift events. The healing engine drains
	// it; when it backs up past capacity, new events are dropped with a
	// log line rather than blocking the drift stream.
	HealChan chan HealRequest
}

// NewServer builds a server. agentCA may be nil, in which case the listener
// is plaintext and certificate enrollment is unavailable (tests only).
func NewServer(cfg Config, registry *AgentRegistry, agentCA *ca.AgentCA) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		agentCA:  agentCA,
		HealChan: make(chan HealRequest, 256),
	}
}

// Start binds the listener and serves until Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gRPC listen %s: %w", s.cfg.ListenAddr, err)
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxConcurrentStreams(100),
	}

	if s.agentCA != nil {
		tlsCfg, err := s.serverTLS()
		if err != nil {
			return fmt.Errorf("gRPC TLS setup: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		log.Printf("[gRPC] serving with TLS on %s (client certs verified when presented)", s.cfg.ListenAddr)
	} else {
		log.Printf("[gRPC] WARNING: serving plaintext on %s, no agent CA configured", s.cfg.ListenAddr)
	}

	s.grpcSrv = grpc.NewServer(opts...)
	pb.RegisterComplianceAgentServer(s.grpcSrv, &servicer{
		registry:     s.registry,
		agentCA:      s.agentCA,
		healChan:     s.HealChan,
		siteID:       s.cfg.SiteID,
		artifactSink: s.cfg.ArtifactSink,
	})

	return s.grpcSrv.Serve(lis)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}

// serverTLS mints (or reuses) the server certificate from the appliance CA
// and requires agent certificates when presented. Enrollment registrations
// arrive before the agent holds a cert, so verification is not mandatory.
func (s *Server) serverTLS() (*tls.Config, error) {
	if err := s.agentCA.EnsureCA(); err != nil {
		return nil, err
	}
	certPEM, keyPEM, err := s.agentCA.GenerateServerCert(s.cfg.ApplianceAddr)
	if err != nil {
		return nil, err
	}

	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := s.agentCA.CACertPEM()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA certificate not parseable")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// healMap holds the checks the server can answer with an immediate heal
// command in the drift ack. Everything else goes through the healing engine.
var healMap = map[string]struct {
	action  string
	timeout int64
}{
	"firewall":   {"enable", 60},
	"defender":   {"start", 60},
	"bitlocker":  {"enable", 120},
	"screenlock": {"configure", 30},
}

// checkTypeMap translates agent check names to the drift scanner's check
// types so healing and evidence see one vocabulary.
var checkTypeMap = map[string]string{
	"defender":   "windows_defender",
	"firewall":   "firewall_status",
	"screenlock": "screen_lock",
	"patches":    "patching",
}

var defaultEnabledChecks = []string{
	"bitlocker", "defender", "patches", "firewall", "screenlock", "rmm_detection",
}

// defaultCheckConfig carries per-check knobs down to agents at registration.
var defaultCheckConfig = map[string]string{
	"patches.max_age_days":           "30",
	"screenlock.max_timeout_seconds": "900",
}

const defaultCheckIntervalSeconds = 300

type servicer struct {
	pb.UnimplementedComplianceAgentServer

	registry     *AgentRegistry
	agentCA      *ca.AgentCA
	healChan     chan HealRequest
	siteID       string
	artifactSink func(hostname, checkType string, artifacts map[string]string)
}

// Register enrolls an agent: issues the agent_id, records it in the
// registry, and when asked mints a client certificate from the appliance
// CA. The capability tier is echoed back; enforcement is agent-side.
func (s *servicer) Register(ctx context.Context, req *pb.RegisterRequest) (*pb.RegisterResponse, error) {
	agentID := fmt.Sprintf("go-%s-%s", req.GetHostname(), randomHex(4))

	now := time.Now().UTC()
	s.registry.Register(&AgentState{
		AgentID:       agentID,
		Hostname:      req.GetHostname(),
		Tier:          req.GetCapabilityTier(),
		AgentVersion:  req.GetAgentVersion(),
		ConnectedAt:   now,
		LastHeartbeat: now,
	})

	log.Printf("[gRPC] registered agent %s (host=%s os=%q version=%s tier=%s)",
		agentID, req.GetHostname(), req.GetOsVersion(), req.GetAgentVersion(), req.GetCapabilityTier())

	resp := &pb.RegisterResponse{
		AgentId:              agentID,
		CheckIntervalSeconds: defaultCheckIntervalSeconds,
		EnabledChecks:        defaultEnabledChecks,
		CapabilityTier:       req.GetCapabilityTier(),
		CheckConfig:          defaultCheckConfig,
	}

	if req.GetNeedsCertificates() {
		if s.agentCA == nil {
			log.Printf("[gRPC] agent %s requested certificates but no CA is configured", agentID)
			return resp, nil
		}
		certPEM, keyPEM, caPEM, err := s.agentCA.IssueAgentCert(req.GetHostname(), agentID)
		if err != nil {
			log.Printf("[gRPC] certificate issue for %s failed: %v", agentID, err)
			return resp, nil
		}
		resp.CaCertPem = caPEM
		resp.AgentCertPem = certPEM
		resp.AgentKeyPem = keyPEM
		log.Printf("[gRPC] issued client certificate to %s", agentID)
	}

	return resp, nil
}

// ReportDrift receives drift events from agents and acks each one. Failing
// events for checks in the heal map get an immediate HealCommand in the
// ack; every failure is also routed to the healing engine.
func (s *servicer) ReportDrift(stream pb.ComplianceAgent_ReportDriftServer) error {
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		s.registry.IncrementDrift(event.GetAgentId())

		ack := &pb.DriftAck{
			EventId:  fmt.Sprintf("drift-%s-%d", event.GetCheckType(), event.GetTimestamp()),
			Received: true,
		}

		if !event.GetPassed() {
			log.Printf("[gRPC] drift from %s: %s %s expected=%q actual=%q",
				event.GetHostname(), event.GetCheckType(), event.GetHipaaControl(),
				event.GetExpected(), event.GetActual())

			if heal, ok := healMap[event.GetCheckType()]; ok {
				ack.HealCommand = &pb.HealCommand{
					CommandId:      fmt.Sprintf("heal-%s-%s", event.GetCheckType(), randomHex(4)),
					CheckType:      event.GetCheckType(),
					Action:         heal.action,
					TimeoutSeconds: heal.timeout,
				}
			}

			s.routeDriftToHealing(event)
		}

		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

// routeDriftToHealing hands a failed event to the healing engine without
// blocking the drift stream. Overflow is dropped and logged.
func (s *servicer) routeDriftToHealing(event *pb.DriftEvent) {
	checkType := event.GetCheckType()
	if mapped, ok := checkTypeMap[checkType]; ok {
		checkType = mapped
	}

	req := HealRequest{
		AgentID:      event.GetAgentId(),
		Hostname:     event.GetHostname(),
		CheckType:    checkType,
		Severity:     event.GetSeverity(),
		HIPAAControl: event.GetHipaaControl(),
		Expected:     event.GetExpected(),
		Actual:       event.GetActual(),
		Metadata:     event.GetMetadata(),
	}

	select {
	case s.healChan <- req:
	default:
		log.Printf("[gRPC] heal channel full, dropping drift %s/%s", req.Hostname, req.CheckType)
	}
}

// ReportHealing records a healing outcome from an agent. Artifact values
// are handed to the sink and never written to the log.
func (s *servicer) ReportHealing(ctx context.Context, result *pb.HealingResult) (*pb.HealingAck, error) {
	status := "failed"
	if result.GetSuccess() {
		status = "succeeded"
	}
	log.Printf("[gRPC] healing %s on %s: %s %s (%s)",
		status, result.GetHostname(), result.GetCheckType(), result.GetAction(), result.GetMessage())

	if artifacts := result.GetArtifacts(); len(artifacts) > 0 {
		keys := make([]string, 0, len(artifacts))
		for k := range artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		log.Printf("[gRPC] healing artifacts from %s: %v", result.GetHostname(), keys)
		if s.artifactSink != nil {
			s.artifactSink(result.GetHostname(), result.GetCheckType(), artifacts)
		}
	}

	return &pb.HealingAck{
		EventId:  result.GetCommandId(),
		Received: true,
	}, nil
}

// Heartbeat refreshes liveness and delivers queued heal commands. An
// unknown agent_id is not acknowledged so the agent re-registers.
func (s *servicer) Heartbeat(ctx context.Context, req *pb.HeartbeatRequest) (*pb.HeartbeatResponse, error) {
	if !s.registry.Heartbeat(req.GetAgentId(), time.Now().UTC()) {
		log.Printf("[gRPC] heartbeat from unknown agent %s", req.GetAgentId())
		return &pb.HeartbeatResponse{Acknowledged: false}, nil
	}

	pending := s.registry.PopPendingCommands(req.GetAgentId())
	if len(pending) > 0 {
		log.Printf("[gRPC] delivering %d queued command(s) to %s", len(pending), req.GetAgentId())
	}

	return &pb.HeartbeatResponse{
		Acknowledged:    true,
		ConfigChanged:   s.registry.consumeConfigChange(req.GetAgentId()),
		PendingCommands: pending,
	}, nil
}

// ReportRMMStatus stores the agent's RMM inventory for checkin reporting.
func (s *servicer) ReportRMMStatus(ctx context.Context, report *pb.RMMStatusReport) (*pb.RMMAck, error) {
	s.registry.SetRMMAgents(report.GetAgentId(), report.GetDetectedAgents())

	for _, rmm := range report.GetDetectedAgents() {
		state := "stopped"
		if rmm.GetRunning() {
			state = "running"
		}
		log.Printf("[gRPC] RMM on %s: %s %s (%s)", report.GetHostname(), rmm.GetName(), rmm.GetVersion(), state)
	}

	return &pb.RMMAck{Received: true}, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf)
}
