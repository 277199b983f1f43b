package signing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianmsp/fleet/internal/crypto"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "server.key")

	s1, err := Load(path)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if s1.PublicKeyHex() == "" {
		t.Fatal("expected non-empty public key after generation")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("seed file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("seed file mode = %v, want 0600", info.Mode().Perm())
	}
	if info.Size() != 32 {
		t.Errorf("seed file size = %d, want 32", info.Size())
	}

	s2, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if s2.PublicKeyHex() != s1.PublicKeyHex() {
		t.Errorf("reload changed key: %s != %s", s2.PublicKeyHex(), s1.PublicKeyHex())
	}
}

func TestSignOrderVerifiesOnAppliance(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "server.key"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	now := time.Now().UTC()
	payload, sig, err := s.SignOrder(OrderFields{
		OrderID:    "ord-123",
		OrderType:  "run_enumeration",
		Parameters: map[string]interface{}{"depth": 2},
		Priority:   5,
		CreatedAt:  now,
		ExpiresAt:  now.Add(15 * time.Minute),
		Nonce:      NewNonce(),
	})
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}

	verifier := crypto.NewOrderVerifier(s.PublicKeyHex())
	if err := verifier.VerifyOrder(payload, sig); err != nil {
		t.Fatalf("appliance-side verification failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	for _, key := range []string{"order_id", "order_type", "parameters", "priority", "created_at", "expires_at", "nonce"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("signed payload missing %q", key)
		}
	}
	if _, ok := fields["target_appliance_id"]; ok {
		t.Error("untargeted order should not carry target_appliance_id")
	}
	if fields["order_id"] != "ord-123" {
		t.Errorf("order_id = %v, want ord-123", fields["order_id"])
	}
	if _, err := time.Parse(time.RFC3339, fields["expires_at"].(string)); err != nil {
		t.Errorf("expires_at not RFC3339: %v", err)
	}
}

func TestSignOrderTargeted(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "server.key"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	now := time.Now().UTC()
	payload, sig, err := s.SignOrder(OrderFields{
		OrderID:           "ord-9",
		OrderType:         "sync_rules",
		Priority:          5,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
		Nonce:             NewNonce(),
		TargetApplianceID: "site-001-AABBCCDDEEFF",
	})
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if fields["target_appliance_id"] != "site-001-AABBCCDDEEFF" {
		t.Errorf("target_appliance_id = %v", fields["target_appliance_id"])
	}
	if err := crypto.NewOrderVerifier(s.PublicKeyHex()).VerifyOrder(payload, sig); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestSignOrderRejectsIncompleteFields(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "server.key"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	now := time.Now().UTC()
	if _, _, err := s.SignOrder(OrderFields{
		OrderID: "o1", OrderType: "restart_service",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err == nil {
		t.Error("expected error for missing nonce")
	}
	if _, _, err := s.SignOrder(OrderFields{
		OrderID: "o2", OrderType: "restart_service",
		CreatedAt: now, Nonce: NewNonce(),
	}); err == nil {
		t.Error("expected error for missing expires_at")
	}
}

// Rules bundles are verified after a JSON decode on the appliance, so the
// signature must cover the canonical form of the decoded value, not the
// bytes the server happened to marshal first.
func TestSignRulesSurvivesWireRoundTrip(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "server.key"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rules := []map[string]interface{}{
		{
			"id":               "synced-dns-restart",
			"name":             "Restart stopped DNS service",
			"action":           "run_runbook",
			"runbook_id":       "RB-WIN-SVC-DNS-001",
			"enabled":          true,
			"priority":         5,
			"cooldown_seconds": 300,
			"conditions": []map[string]interface{}{
				{"field": "check_type", "operator": "eq", "value": "service_dns"},
			},
		},
	}

	sig, err := s.SignRules(rules)
	if err != nil {
		t.Fatalf("sign rules: %v", err)
	}

	// Simulate the wire: server marshals the wrapped bundle, appliance
	// decodes it generically and re-canonicalizes the rules value.
	bundleBytes, err := json.Marshal(map[string]interface{}{
		"rules":             rules,
		"signature":         sig,
		"server_public_key": s.PublicKeyHex(),
	})
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}

	var wrapped map[string]interface{}
	if err := json.Unmarshal(bundleBytes, &wrapped); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	canonical, err := crypto.CanonicalJSON(wrapped["rules"])
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	verifier := crypto.NewOrderVerifier(s.PublicKeyHex())
	if err := verifier.VerifyRulesBundle(string(canonical), sig); err != nil {
		t.Fatalf("bundle verification failed after round trip: %v", err)
	}
}

func TestNewNonceUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := NewNonce()
		if n == "" {
			t.Fatal("empty nonce")
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %s", n)
		}
		seen[n] = true
	}
}
