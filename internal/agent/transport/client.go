// Package transport maintains the agent's gRPC session with the site
// appliance: registration with just-in-time certificate enrollment, the
// bidirectional drift stream, heartbeats and report RPCs, plus the
// SQLite-backed offline queue used while the appliance is unreachable.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/meridianmsp/fleet/internal/agent/config"
	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

// Version is stamped at build time.
var Version = "0.3.0"

// Client is the agent's connection to the appliance. HealCmds carries
// every heal command the appliance hands back, whether in a drift ack or
// a heartbeat response; the caller owns draining it.
type Client struct {
	HealCmds chan *pb.HealCommand

	cfg      *config.Config
	hostname string

	mu      sync.Mutex
	conn    *grpc.ClientConn
	rpc     pb.ComplianceAgentClient
	agentID string
	stream  pb.ComplianceAgent_ReportDriftClient
}

// Dial connects to the appliance. With certificates on disk the session
// is mTLS; a fresh install connects in the clear to enroll, then
// reconnects secured once Register stores the issued material.
func Dial(cfg *config.Config) (*Client, error) {
	hostname, _ := os.Hostname()
	c := &Client{
		HealCmds: make(chan *pb.HealCommand, 32),
		cfg:      cfg,
		hostname: hostname,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	creds := insecure.NewCredentials()
	if c.cfg.HasCertificates() {
		tlsCfg, err := c.clientTLS()
		if err != nil {
			return err
		}
		creds = credentials.NewTLS(tlsCfg)
	}

	conn, err := grpc.NewClient(c.cfg.ApplianceAddr,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ApplianceAddr, err)
	}
	c.conn = conn
	c.rpc = pb.NewComplianceAgentClient(conn)
	return nil
}

func (c *Client) clientTLS() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	caPEM, err := os.ReadFile(c.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("CA file contains no certificates")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Register enrolls with the appliance. When no certificates exist yet the
// request asks the appliance CA to mint them; the returned PEMs are
// persisted and the connection is re-established over mTLS before
// returning.
func (c *Client) Register(ctx context.Context, tier pb.CapabilityTier) (*pb.RegisterResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	needsCerts := !c.cfg.HasCertificates()
	resp, err := c.rpc.Register(ctx, &pb.RegisterRequest{
		Hostname:          c.hostname,
		OsVersion:         osVersion(),
		AgentVersion:      Version,
		MacAddress:        primaryMAC(),
		NeedsCertificates: needsCerts,
		CapabilityTier:    tier,
	})
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	c.agentID = resp.GetAgentId()

	if needsCerts && len(resp.GetAgentCertPem()) > 0 {
		if err := c.storeCertificates(resp); err != nil {
			return nil, err
		}
		log.Printf("[transport] certificates enrolled, reconnecting over mTLS")
		if err := c.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) storeCertificates(resp *pb.RegisterResponse) error {
	if err := os.WriteFile(c.cfg.CAFile, resp.GetCaCertPem(), 0o644); err != nil {
		return fmt.Errorf("store CA cert: %w", err)
	}
	if err := os.WriteFile(c.cfg.CertFile, resp.GetAgentCertPem(), 0o644); err != nil {
		return fmt.Errorf("store agent cert: %w", err)
	}
	if err := os.WriteFile(c.cfg.KeyFile, resp.GetAgentKeyPem(), 0o600); err != nil {
		return fmt.Errorf("store agent key: %w", err)
	}
	return nil
}

// OpenDriftStream starts the bidirectional drift stream and a goroutine
// that forwards ack-borne heal commands onto HealCmds. The goroutine
// exits when the stream breaks or ctx ends.
func (c *Client) OpenDriftStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, err := c.rpc.ReportDrift(ctx)
	if err != nil {
		return fmt.Errorf("open drift stream: %w", err)
	}
	c.stream = stream

	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					log.Printf("[transport] drift stream closed: %v", err)
				}
				return
			}
			if cmd := ack.GetHealCommand(); cmd != nil {
				select {
				case c.HealCmds <- cmd:
				default:
					log.Printf("[transport] heal queue full, dropping command %s", cmd.GetCommandId())
				}
			}
		}
	}()
	return nil
}

// SendDrift sends one drift event, stamping identity and timestamp.
func (c *Client) SendDrift(event *pb.DriftEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	event.AgentId = c.agentID
	event.Hostname = c.hostname
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	if c.stream == nil {
		return errors.New("drift stream not open")
	}
	if err := c.stream.Send(event); err != nil {
		c.stream = nil
		return fmt.Errorf("send drift: %w", err)
	}
	return nil
}

// Heartbeat reports liveness and the offline-queue depth. Heal commands
// the appliance queued while the agent was away arrive in the response
// and are forwarded onto HealCmds.
func (c *Client) Heartbeat(ctx context.Context, uptime time.Duration, queueDepth int) (*pb.HeartbeatResponse, error) {
	c.mu.Lock()
	rpc, agentID := c.rpc, c.agentID
	c.mu.Unlock()

	resp, err := rpc.Heartbeat(ctx, &pb.HeartbeatRequest{
		AgentId:       agentID,
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: int64(uptime.Seconds()),
		QueueDepth:    int32(queueDepth),
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	for _, cmd := range resp.GetPendingCommands() {
		select {
		case c.HealCmds <- cmd:
		default:
			log.Printf("[transport] heal queue full, dropping command %s", cmd.GetCommandId())
		}
	}
	return resp, nil
}

// ReportHealing reports the outcome of a heal command.
func (c *Client) ReportHealing(ctx context.Context, result *pb.HealingResult) error {
	c.mu.Lock()
	result.AgentId = c.agentID
	result.Hostname = c.hostname
	result.Timestamp = time.Now().Unix()
	rpc := c.rpc
	c.mu.Unlock()

	if _, err := rpc.ReportHealing(ctx, result); err != nil {
		return fmt.Errorf("report healing: %w", err)
	}
	return nil
}

// ReportRMM reports detected remote-management products.
func (c *Client) ReportRMM(ctx context.Context, agents []*pb.RMMAgent) error {
	c.mu.Lock()
	rpc, agentID, hostname := c.rpc, c.agentID, c.hostname
	c.mu.Unlock()

	if _, err := rpc.ReportRMMStatus(ctx, &pb.RMMStatusReport{
		AgentId:        agentID,
		Hostname:       hostname,
		DetectedAgents: agents,
		Timestamp:      time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("report rmm: %w", err)
	}
	return nil
}

// AgentID returns the identity assigned at registration.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Reconnect tears the connection down and dials again, picking up any
// newly enrolled certificates.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectLocked()
}

func (c *Client) reconnectLocked() error {
	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return c.connect()
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func osVersion() string {
	// Detailed build numbers come from WMI during checks; the register
	// payload only needs the platform family.
	return "Windows"
}

// primaryMAC returns the hardware address of the first non-loopback
// interface that is up.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			return mac
		}
	}
	return ""
}
