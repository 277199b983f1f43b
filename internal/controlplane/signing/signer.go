// Package signing owns the control plane's Ed25519 signing key.
//
// Every order delivered to an appliance and every synced-rules bundle
// carries a detached signature from this key. Appliances pin the public
// key from their first checkin response and refuse unsigned work after
// that, so the seed file is as sensitive as the database itself.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmsp/fleet/internal/crypto"
)

// Signer signs order payloads and rules bundles with the server key.
type Signer struct {
	key    ed25519.PrivateKey
	pubHex string
}

// Load reads the 32-byte Ed25519 seed at path. On first boot the seed
// does not exist yet; a fresh one is generated and persisted with 0600
// permissions so the same key survives restarts.
func Load(path string) (*Signer, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == ed25519.SeedSize {
		key := ed25519.NewKeyFromSeed(data)
		pub := key.Public().(ed25519.PublicKey)
		return &Signer{key: key, pubHex: hex.EncodeToString(pub)}, nil
	}

	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("persist server signing key: %w", err)
	}
	return &Signer{key: key, pubHex: hex.EncodeToString(pub)}, nil
}

// PublicKeyHex returns the hex-encoded public key that checkin responses
// and the evidence public-key endpoint hand to appliances.
func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

// OrderFields is the canonical content of a signed order. Appliances
// reject orders whose signed copy is missing expires_at or nonce, so
// both are mandatory here.
type OrderFields struct {
	OrderID           string
	OrderType         string
	Parameters        map[string]interface{}
	Priority          int
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Nonce             string
	TargetApplianceID string
}

// SignOrder builds the sorted-key canonical payload for an order and
// signs it. The returned payload string is stored and delivered verbatim;
// appliances verify the exact bytes, so it must never be re-serialized.
func (s *Signer) SignOrder(f OrderFields) (payload, sigHex string, err error) {
	if f.Nonce == "" {
		return "", "", fmt.Errorf("order %s: nonce is required", f.OrderID)
	}
	if f.ExpiresAt.IsZero() {
		return "", "", fmt.Errorf("order %s: expires_at is required", f.OrderID)
	}
	params := f.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	fields := map[string]interface{}{
		"order_id":   f.OrderID,
		"order_type": f.OrderType,
		"parameters": params,
		"priority":   f.Priority,
		"created_at": f.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": f.ExpiresAt.UTC().Format(time.RFC3339),
		"nonce":      f.Nonce,
	}
	if f.TargetApplianceID != "" {
		fields["target_appliance_id"] = f.TargetApplianceID
	}
	payload, err = crypto.BuildSignedPayload(fields)
	if err != nil {
		return "", "", fmt.Errorf("build order payload: %w", err)
	}
	sig := ed25519.Sign(s.key, []byte(payload))
	return payload, hex.EncodeToString(sig), nil
}

// SignRules signs a rules array the way appliances verify it. The value
// is round-tripped through encoding/json first so the signature covers
// the same canonical bytes a verifier recomputes after decoding the
// bundle off the wire.
func (s *Signer) SignRules(rules interface{}) (string, error) {
	raw, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("marshal rules: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("round-trip rules: %w", err)
	}
	canonical, err := crypto.CanonicalJSON(decoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize rules: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(s.key, canonical)), nil
}

// NewNonce mints the replay nonce embedded in each signed order.
func NewNonce() string {
	return uuid.NewString()
}
