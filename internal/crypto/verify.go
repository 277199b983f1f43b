// Package crypto verifies Ed25519 signatures on control-plane payloads.
//
// The control plane signs every order and every synced-rules bundle with
// its Ed25519 key. The appliance refuses to act on anything that does not
// verify, so a compromised relay cannot inject work into the fleet.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// OrderVerifier holds the control plane's Ed25519 public key. The key may
// arrive after boot (the first checkin response carries it), so every
// verification re-checks that a key is present.
type OrderVerifier struct {
	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	keyHex    string
}

// NewOrderVerifier creates a verifier. An empty publicKeyHex defers
// verification until SetPublicKey is called with the checkin-provided key.
func NewOrderVerifier(publicKeyHex string) *OrderVerifier {
	v := &OrderVerifier{}
	if publicKeyHex != "" {
		_ = v.SetPublicKey(publicKeyHex)
	}
	return v
}

// SetPublicKey installs or replaces the server public key.
func (v *OrderVerifier) SetPublicKey(hexKey string) error {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKey = ed25519.PublicKey(raw)
	v.keyHex = hexKey
	return nil
}

// HasKey reports whether a server key has been installed.
func (v *OrderVerifier) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.publicKey != nil
}

// PublicKeyHex returns the installed key as hex, or "" before installation.
func (v *OrderVerifier) PublicKeyHex() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keyHex
}

// VerifyOrder checks the detached signature over a canonical payload.
func (v *OrderVerifier) VerifyOrder(signedPayload, signatureHex string) error {
	v.mu.RLock()
	pk := v.publicKey
	v.mu.RUnlock()

	if pk == nil {
		return fmt.Errorf("no server public key configured")
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pk, []byte(signedPayload), sig) {
		return fmt.Errorf("ed25519 signature verification failed")
	}

	return nil
}

// VerifyRulesBundle checks the signature on a synced-rules download.
func (v *OrderVerifier) VerifyRulesBundle(rulesJSON, signatureHex string) error {
	return v.VerifyOrder(rulesJSON, signatureHex)
}

// CanonicalJSON renders a JSON-decoded value deterministically. Relies on
// encoding/json sorting map keys; both the control plane signer and the
// appliance verifier must go through this function.
func CanonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// BuildSignedPayload renders fields as compact sorted-key JSON. The signer
// and every verifier must produce byte-identical output for the same
// fields, so this is the only place the format lives.
func BuildSignedPayload(fields map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]byte, 0, 256)
	out = append(out, '{')
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		keyJSON, _ := json.Marshal(k)
		out = append(out, keyJSON...)
		out = append(out, ':')
		valJSON, err := json.Marshal(fields[k])
		if err != nil {
			return "", fmt.Errorf("marshal field %q: %w", k, err)
		}
		out = append(out, valJSON...)
	}
	out = append(out, '}')

	return string(out), nil
}
