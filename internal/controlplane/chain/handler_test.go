package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type stubChainStore struct {
	submitResult *SubmitResult
	submitErr    error
	verifyResult *VerifyResult
	bundles      []BundleMeta
	gotEnvelope  *Envelope
}

func (s *stubChainStore) Submit(_ context.Context, env *Envelope) (*SubmitResult, error) {
	s.gotEnvelope = env
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return s.submitResult, nil
}

func (s *stubChainStore) Verify(_ context.Context, siteID string) (*VerifyResult, error) {
	return s.verifyResult, nil
}

func (s *stubChainStore) ListBundles(_ context.Context, siteID string, limit int) ([]BundleMeta, error) {
	return s.bundles, nil
}

func chainRouter(store ChainStore) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api/evidence", NewHandler(store, "cafef00d").Routes())
	return r
}

func postBundle(t *testing.T, router http.Handler, siteID string, env *Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/evidence/sites/"+siteID+"/submit", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitAccepted(t *testing.T) {
	stub := &stubChainStore{submitResult: &SubmitResult{BundleID: "b-1", ChainPosition: 4}}
	router := chainRouter(stub)

	key, pubHex := testKeyPair(t)
	env := signedEnvelope(t, key, pubHex, "site-1", `{"x":1}`)

	w := postBundle(t, router, "site-1", env)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var result SubmitResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.BundleID != "b-1" || result.ChainPosition != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if stub.gotEnvelope == nil || stub.gotEnvelope.SiteID != "site-1" {
		t.Fatalf("store did not receive envelope: %+v", stub.gotEnvelope)
	}
}

func TestSubmitIntegrityRejectionIs409(t *testing.T) {
	stub := &stubChainStore{submitErr: &Rejection{ReasonKeyMismatch, "key rotated outside window"}}
	router := chainRouter(stub)

	key, pubHex := testKeyPair(t)
	env := signedEnvelope(t, key, pubHex, "site-1", `{"x":1}`)

	w := postBundle(t, router, "site-1", env)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestSubmitBadEnvelopeIs400(t *testing.T) {
	stub := &stubChainStore{submitErr: &Rejection{ReasonBadEnvelope, "signed_data is required"}}
	router := chainRouter(stub)

	w := postBundle(t, router, "site-1", &Envelope{SiteID: "site-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitSiteMismatchIs400(t *testing.T) {
	stub := &stubChainStore{submitResult: &SubmitResult{}}
	router := chainRouter(stub)

	key, pubHex := testKeyPair(t)
	env := signedEnvelope(t, key, pubHex, "site-OTHER", `{"x":1}`)

	w := postBundle(t, router, "site-1", env)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for site mismatch, got %d", w.Code)
	}
	if stub.gotEnvelope != nil {
		t.Fatal("store should not be called on site mismatch")
	}
}

func TestVerifyEndpoint(t *testing.T) {
	stub := &stubChainStore{verifyResult: &VerifyResult{SiteID: "site-1", Status: "ok", BundlesVerified: 7}}
	router := chainRouter(stub)

	req := httptest.NewRequest(http.MethodGet, "/api/evidence/sites/site-1/verify", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result VerifyResult
	json.NewDecoder(w.Body).Decode(&result)
	if result.Status != "ok" || result.BundlesVerified != 7 {
		t.Fatalf("unexpected verify result: %+v", result)
	}
}

func TestBundlesEndpointRejectsBadLimit(t *testing.T) {
	router := chainRouter(&stubChainStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/evidence/sites/site-1/bundles?limit=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBundlesEndpointEmptyList(t *testing.T) {
	router := chainRouter(&stubChainStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/evidence/sites/site-1/bundles", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(body["bundles"]) == "null" {
		t.Fatal("bundles serialized as null, want []")
	}
}

func TestPublicKeyEndpoint(t *testing.T) {
	router := chainRouter(&stubChainStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/evidence/public-key", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["public_key"] != "cafef00d" {
		t.Fatalf("expected configured public key, got %q", body["public_key"])
	}
	if body["algorithm"] != "ed25519" {
		t.Fatalf("expected ed25519, got %q", body["algorithm"])
	}
}

// Round-trip: what the appliance-side submitter signs must be exactly
// what verifyEnvelope accepts, independent of JSON transport quirks.
func TestEnvelopeJSONRoundTrip(t *testing.T) {
	key, pubHex := testKeyPair(t)
	data := `{"site_id":"site-1","checked_at":"2026-03-02T10:00:00Z","checks":[{"check":"firewall_status","hostname":"ws01","status":"pass"}],"summary":{"total_checks":1,"compliant":1,"non_compliant":0,"scanned_hosts":1}}`
	env := signedEnvelope(t, key, pubHex, "site-1", data)

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, rej := verifyEnvelope(&decoded); rej != nil {
		t.Fatalf("round-tripped envelope rejected: %v", rej)
	}

	sig, _ := hex.DecodeString(decoded.AgentSignature)
	pub, _ := hex.DecodeString(decoded.AgentPublicKey)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(decoded.SignedData), sig) {
		t.Fatal("signature must survive JSON round-trip")
	}
}
