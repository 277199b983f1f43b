package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, hex.EncodeToString(pub)
}

func signedEnvelope(t *testing.T, key ed25519.PrivateKey, pubHex, siteID, data string) *Envelope {
	t.Helper()
	sig := ed25519.Sign(key, []byte(data))
	return &Envelope{
		SiteID:         siteID,
		CheckedAt:      "2026-03-02T10:00:00Z",
		AgentSignature: hex.EncodeToString(sig),
		AgentPublicKey: pubHex,
		SignedData:     data,
	}
}

func TestVerifyEnvelopeAcceptsValidSignature(t *testing.T) {
	key, pubHex := testKeyPair(t)
	env := signedEnvelope(t, key, pubHex, "site-1", `{"site_id":"site-1","checked_at":"2026-03-02T10:00:00Z","checks":[],"summary":{}}`)

	checkedAt, rej := verifyEnvelope(env)
	if rej != nil {
		t.Fatalf("expected acceptance, got rejection: %v", rej)
	}
	if !checkedAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("checked_at parsed wrong: %v", checkedAt)
	}
}

// Flipping any byte of signed_data must invalidate the signature.
func TestVerifyEnvelopeRejectsTamperedData(t *testing.T) {
	key, pubHex := testKeyPair(t)
	env := signedEnvelope(t, key, pubHex, "site-1", `{"site_id":"site-1"}`)
	env.SignedData = `{"site_id":"site-2"}`

	_, rej := verifyEnvelope(env)
	if rej == nil {
		t.Fatal("expected rejection for tampered signed_data")
	}
	if rej.Reason != ReasonSignatureInvalid {
		t.Fatalf("expected reason %s, got %s", ReasonSignatureInvalid, rej.Reason)
	}
}

func TestVerifyEnvelopeRejectsMalformed(t *testing.T) {
	key, pubHex := testKeyPair(t)

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"empty signed_data", func(e *Envelope) { e.SignedData = "" }},
		{"empty signature", func(e *Envelope) { e.AgentSignature = "" }},
		{"empty public key", func(e *Envelope) { e.AgentPublicKey = "" }},
		{"bad timestamp", func(e *Envelope) { e.CheckedAt = "yesterday" }},
		{"short public key", func(e *Envelope) { e.AgentPublicKey = "abcd" }},
		{"non-hex signature", func(e *Envelope) { e.AgentSignature = "zz" + e.AgentSignature[2:] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := signedEnvelope(t, key, pubHex, "site-1", `{"a":1}`)
			tt.mutate(env)
			_, rej := verifyEnvelope(env)
			if rej == nil {
				t.Fatal("expected rejection")
			}
			if rej.Reason != ReasonBadEnvelope {
				t.Fatalf("expected reason %s, got %s", ReasonBadEnvelope, rej.Reason)
			}
		})
	}
}

// buildChain produces n linked bundles plus the object map replayChain
// fetches from.
func buildChain(t *testing.T, key ed25519.PrivateKey, pubHex string, n int) ([]BundleMeta, map[string][]byte) {
	t.Helper()
	objects := make(map[string][]byte)
	var bundles []BundleMeta

	prevHash := GenesisPrevHash
	for i := 0; i < n; i++ {
		data := fmt.Sprintf(`{"site_id":"site-1","checked_at":"2026-03-02T10:%02d:00Z","checks":[],"summary":{"total_checks":0,"compliant":0,"non_compliant":0,"scanned_hosts":0}}`, i)
		sum := sha256.Sum256([]byte(data))
		currentHash := hex.EncodeToString(sum[:])
		sig := ed25519.Sign(key, []byte(data))
		objectKey := fmt.Sprintf("site-1/%08d.json", i)
		objects[objectKey] = []byte(data)

		bundles = append(bundles, BundleMeta{
			BundleID:       fmt.Sprintf("bundle-%d", i),
			ChainPosition:  int64(i),
			PrevHash:       prevHash,
			CurrentHash:    currentHash,
			AgentSignature: hex.EncodeToString(sig),
			AgentPublicKey: pubHex,
			ObjectKey:      objectKey,
		})
		prevHash = currentHash
	}
	return bundles, objects
}

func fetchFrom(objects map[string][]byte) func(string) ([]byte, error) {
	return func(key string) ([]byte, error) {
		data, ok := objects[key]
		if !ok {
			return nil, fmt.Errorf("object %s not found", key)
		}
		return data, nil
	}
}

func TestReplayChainIntact(t *testing.T) {
	key, pubHex := testKeyPair(t)
	bundles, objects := buildChain(t, key, pubHex, 5)

	verified, fault := replayChain(bundles, fetchFrom(objects))
	if fault != nil {
		t.Fatalf("expected intact chain, got fault: %+v", fault)
	}
	if verified != 5 {
		t.Fatalf("expected 5 verified, got %d", verified)
	}
}

func TestReplayChainEmptyIsOK(t *testing.T) {
	verified, fault := replayChain(nil, fetchFrom(nil))
	if fault != nil || verified != 0 {
		t.Fatalf("empty chain should verify: verified=%d fault=%+v", verified, fault)
	}
}

// A tampered object breaks both the signature and the hash; the
// signature failure must be the one reported.
func TestReplayChainCitesSignatureBeforeHash(t *testing.T) {
	key, pubHex := testKeyPair(t)
	bundles, objects := buildChain(t, key, pubHex, 3)
	objects[bundles[1].ObjectKey] = []byte(`{"tampered":true}`)

	verified, fault := replayChain(bundles, fetchFrom(objects))
	if fault == nil {
		t.Fatal("expected fault for tampered object")
	}
	if fault.Reason != "signature_invalid" {
		t.Fatalf("expected signature_invalid before hash_mismatch, got %s", fault.Reason)
	}
	if fault.ChainPosition != 1 || verified != 1 {
		t.Fatalf("expected fault at position 1 after 1 verified, got position %d verified %d", fault.ChainPosition, verified)
	}
}

// A valid signature over bytes whose stored hash is wrong is a metadata
// forgery: hash_mismatch.
func TestReplayChainHashMismatch(t *testing.T) {
	key, pubHex := testKeyPair(t)
	bundles, objects := buildChain(t, key, pubHex, 3)
	bundles[2].CurrentHash = "00" + bundles[2].CurrentHash[2:]

	_, fault := replayChain(bundles, fetchFrom(objects))
	if fault == nil || fault.Reason != "hash_mismatch" {
		t.Fatalf("expected hash_mismatch, got %+v", fault)
	}
	if fault.ChainPosition != 2 {
		t.Fatalf("expected fault at position 2, got %d", fault.ChainPosition)
	}
}

func TestReplayChainBrokenLink(t *testing.T) {
	key, pubHex := testKeyPair(t)
	bundles, objects := buildChain(t, key, pubHex, 3)
	bundles[1].PrevHash = GenesisPrevHash // should be hash of bundle 0

	_, fault := replayChain(bundles, fetchFrom(objects))
	if fault == nil || fault.Reason != "link_broken" {
		t.Fatalf("expected link_broken, got %+v", fault)
	}
}

func TestReplayChainPositionGap(t *testing.T) {
	key, pubHex := testKeyPair(t)
	bundles, objects := buildChain(t, key, pubHex, 3)
	bundles = append(bundles[:1], bundles[2]) // drop position 1

	_, fault := replayChain(bundles, fetchFrom(objects))
	if fault == nil || fault.Reason != "position_gap" {
		t.Fatalf("expected position_gap, got %+v", fault)
	}
}

func TestReplayChainMissingObject(t *testing.T) {
	key, pubHex := testKeyPair(t)
	bundles, objects := buildChain(t, key, pubHex, 2)
	delete(objects, bundles[0].ObjectKey)

	_, fault := replayChain(bundles, fetchFrom(objects))
	if fault == nil || fault.Reason != "object_missing" {
		t.Fatalf("expected object_missing, got %+v", fault)
	}
}

func TestGenesisPrevHashIs64Zeros(t *testing.T) {
	if len(GenesisPrevHash) != 64 {
		t.Fatalf("genesis hash must be 64 chars, got %d", len(GenesisPrevHash))
	}
	for _, c := range GenesisPrevHash {
		if c != '0' {
			t.Fatal("genesis hash must be all zeros")
		}
	}
}
