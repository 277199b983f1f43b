package l2bridge

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// sidecarHandler produces the result for one JSON-RPC request. Returning a
// *jsonRPCError puts the error on the response instead of a result.
type sidecarHandler func(req jsonRPCRequest) interface{}

// startMockSidecar listens on a unix socket and answers line-delimited
// JSON-RPC 2.0 requests, echoing the request id unless mangleID is set.
func startMockSidecar(t *testing.T, socketPath string, mangleID bool, handler sidecarHandler) net.Listener {
	t.Helper()

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					line, err := reader.ReadBytes('\n')
					if err != nil {
						return
					}

					var req jsonRPCRequest
					if err := json.Unmarshal(line, &req); err != nil {
						return
					}

					resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
					if mangleID {
						resp.ID = req.ID + 1000
					}

					switch result := handler(req).(type) {
					case *jsonRPCError:
						resp.Error = result
					default:
						data, _ := json.Marshal(result)
						resp.Result = data
					}

					data, _ := json.Marshal(resp)
					c.Write(append(data, '\n'))
				}
			}(conn)
		}
	}()

	return ln
}

func TestPlan(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		if req.Method != "plan" {
			return &jsonRPCError{Code: -32601, Message: "method not found"}
		}
		return LLMDecision{
			IncidentID:        "inc-001",
			RecommendedAction: "restart_service",
			ActionParams:      map[string]interface{}{"service": "dns"},
			Confidence:        0.85,
			Reasoning:         "DNS service down, restart is safe",
		}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	decision, err := client.Plan(&Incident{
		ID:           "inc-001",
		SiteID:       "site-01",
		HostID:       "ws01",
		IncidentType: "service_dns",
		Severity:     "high",
		RawData: map[string]interface{}{
			"check_type":     "service_dns",
			"drift_detected": true,
		},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if decision.IncidentID != "inc-001" {
		t.Fatalf("expected inc-001, got %s", decision.IncidentID)
	}
	if decision.RecommendedAction != "restart_service" {
		t.Fatalf("expected restart_service, got %s", decision.RecommendedAction)
	}
	if decision.Confidence != 0.85 {
		t.Fatalf("expected confidence 0.85, got %f", decision.Confidence)
	}
	if !decision.ShouldExecute() {
		t.Fatal("expected ShouldExecute=true")
	}
}

func TestHealth(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		if req.Method == "health" {
			return map[string]interface{}{"status": "ok", "uptime": 123}
		}
		return &jsonRPCError{Code: -32601, Message: "method not found"}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Health(); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestHealthUnhealthy(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		return map[string]interface{}{"status": "degraded"}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	client.Connect()
	defer client.Close()

	if err := client.Health(); err == nil {
		t.Fatal("expected error for non-ok status")
	}
}

func TestPlanEscalateToL3(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		return LLMDecision{
			IncidentID:        "inc-002",
			RecommendedAction: "escalate",
			Confidence:        0.3,
			Reasoning:         "Low confidence, needs human review",
			RequiresApproval:  true,
			EscalateToL3:      true,
		}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	client.Connect()
	defer client.Close()

	decision, err := client.Plan(&Incident{ID: "inc-002", IncidentType: "unknown"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if decision.ShouldExecute() {
		t.Fatal("expected ShouldExecute=false for escalation")
	}
	if !decision.EscalateToL3 {
		t.Fatal("expected EscalateToL3=true")
	}
}

func TestConnectFailure(t *testing.T) {
	client := NewClient("/nonexistent/l2.sock", 2*time.Second)
	if err := client.Connect(); err == nil {
		t.Fatal("expected connection error for nonexistent socket")
	}
}

func TestPlanNotConnected(t *testing.T) {
	client := NewClient("/tmp/noexist.sock", 2*time.Second)
	if _, err := client.Plan(&Incident{ID: "inc-003"}); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestPlanWithRetryReconnects(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		return LLMDecision{
			IncidentID:        "inc-004",
			RecommendedAction: "restart_service",
			Confidence:        0.9,
		}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	client.Connect()

	// Simulate a connection drop behind the client's back
	client.mu.Lock()
	client.conn.Close()
	client.conn = nil
	client.reader = nil
	client.mu.Unlock()

	decision, err := client.PlanWithRetry(&Incident{ID: "inc-004"}, 2)
	if err != nil {
		t.Fatalf("plan with retry: %v", err)
	}
	if decision.IncidentID != "inc-004" {
		t.Fatalf("expected inc-004, got %s", decision.IncidentID)
	}
}

func TestRPCError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		return &jsonRPCError{Code: -32000, Message: "LLM API rate limited"}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	client.Connect()
	defer client.Close()

	_, err := client.Plan(&Incident{ID: "inc-005"})
	if err == nil {
		t.Fatal("expected RPC error")
	}
	if err.Error() != "L2 plan: RPC error -32000: LLM API rate limited" {
		t.Fatalf("unexpected error: %v", err)
	}

	// An RPC-level error leaves the connection usable
	if !client.IsConnected() {
		t.Fatal("expected connection to survive an RPC error")
	}
}

func TestIDMismatchDropsConnection(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, true, func(req jsonRPCRequest) interface{} {
		return LLMDecision{IncidentID: "inc-006", Confidence: 0.9}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	client.Connect()
	defer client.Close()

	if _, err := client.Plan(&Incident{ID: "inc-006"}); err == nil {
		t.Fatal("expected error for mismatched response id")
	}

	// A stale response means the pipe cannot be trusted anymore
	if client.IsConnected() {
		t.Fatal("expected connection to drop after id mismatch")
	}
}

func TestIsConnected(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		return map[string]interface{}{"status": "ok"}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)

	if client.IsConnected() {
		t.Fatal("expected not connected before Connect()")
	}

	client.Connect()
	if !client.IsConnected() {
		t.Fatal("expected connected after Connect()")
	}

	client.Close()
	if client.IsConnected() {
		t.Fatal("expected not connected after Close()")
	}
}

func TestMultipleRequests(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "l2.sock")

	callCount := 0
	ln := startMockSidecar(t, sock, false, func(req jsonRPCRequest) interface{} {
		callCount++
		return LLMDecision{
			IncidentID:        "inc",
			RecommendedAction: "action",
			Confidence:        0.9,
		}
	})
	defer ln.Close()

	client := NewClient(sock, 5*time.Second)
	client.Connect()
	defer client.Close()

	for i := 0; i < 5; i++ {
		if _, err := client.Plan(&Incident{ID: "inc"}); err != nil {
			t.Fatalf("plan %d: %v", i, err)
		}
	}

	if callCount != 5 {
		t.Fatalf("expected 5 calls, got %d", callCount)
	}
}

func TestShouldExecuteDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision LLMDecision
		want     bool
	}{
		{
			name:     "high confidence, no escalation",
			decision: LLMDecision{Confidence: 0.9},
			want:     true,
		},
		{
			name:     "exact threshold",
			decision: LLMDecision{Confidence: 0.6},
			want:     true,
		},
		{
			name:     "below threshold",
			decision: LLMDecision{Confidence: 0.59},
			want:     false,
		},
		{
			name:     "escalate to L3",
			decision: LLMDecision{Confidence: 0.9, EscalateToL3: true},
			want:     false,
		},
		{
			name:     "requires approval",
			decision: LLMDecision{Confidence: 0.9, RequiresApproval: true},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.decision.ShouldExecute(); got != tt.want {
				t.Errorf("ShouldExecute() = %v, want %v", got, tt.want)
			}
		})
	}
}
