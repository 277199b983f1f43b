package evidence

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Submitter stages signed bundles on disk, keeps the offline queue, and
// drains it toward the control plane. Staging always precedes the first
// upload attempt so a crash mid-submit never loses evidence.
type Submitter struct {
	siteID       string
	apiEndpoint  string
	apiKey       string
	signingKey   ed25519.PrivateKey
	publicKeyHex string
	stagingDir   string
	queue        *Queue
	client       *http.Client
}

// NewSubmitter wires a submitter to its staging directory and queue.
func NewSubmitter(siteID, apiEndpoint, apiKey string, key ed25519.PrivateKey, pubHex, stagingDir string, queue *Queue) *Submitter {
	return &Submitter{
		siteID:       siteID,
		apiEndpoint:  strings.TrimRight(apiEndpoint, "/"),
		apiKey:       apiKey,
		signingKey:   key,
		publicKeyHex: pubHex,
		stagingDir:   stagingDir,
		queue:        queue,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Submit signs and stages one bundle, then attempts immediate delivery.
// Delivery failures are not errors here: the staged row stays queued and
// DrainQueue retries it with backoff. Only local failures (disk, queue)
// surface as errors.
func (s *Submitter) Submit(ctx context.Context, b *Bundle) error {
	canonical := b.CanonicalJSON()
	sigHex := Sign(s.signingKey, canonical)
	bundleID := uuid.NewString()

	bundlePath, sigPath, err := s.stage(bundleID, b.CheckedAt, canonical, sigHex)
	if err != nil {
		return fmt.Errorf("stage bundle: %w", err)
	}
	if err := s.queue.Enqueue(bundleID, bundlePath, sigPath); err != nil {
		return fmt.Errorf("enqueue bundle: %w", err)
	}

	rows, err := s.queue.Due(time.Now(), 1000)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	for _, row := range rows {
		if row.BundleID == bundleID {
			s.deliver(ctx, row)
			break
		}
	}
	return nil
}

// DrainQueue attempts delivery of every due row, oldest first. Returns the
// number of bundles uploaded this pass.
func (s *Submitter) DrainQueue(ctx context.Context) (int, error) {
	rows, err := s.queue.Due(time.Now(), 100)
	if err != nil {
		return 0, fmt.Errorf("read queue: %w", err)
	}

	uploaded := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return uploaded, ctx.Err()
		}
		if s.deliver(ctx, row) {
			uploaded++
		}
	}
	return uploaded, nil
}

// PendingCount exposes the queue depth for status reporting.
func (s *Submitter) PendingCount() int {
	n, err := s.queue.PendingCount()
	if err != nil {
		return 0
	}
	return n
}

func (s *Submitter) stage(bundleID string, checkedAt time.Time, canonical []byte, sigHex string) (string, string, error) {
	dir := filepath.Join(s.stagingDir, checkedAt.UTC().Format("2006/01/02"), bundleID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", err
	}

	bundlePath := filepath.Join(dir, "bundle.json")
	sigPath := filepath.Join(dir, "bundle.sig")
	if err := os.WriteFile(bundlePath, canonical, 0600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(sigPath, []byte(sigHex), 0600); err != nil {
		return "", "", err
	}
	return bundlePath, sigPath, nil
}

// bundleEnvelope is the submit body. signed_data carries the exact
// canonical bytes; checks and summary are sliced out of those bytes so the
// transport JSON can never drift from what was signed.
type bundleEnvelope struct {
	SiteID         string          `json:"site_id"`
	CheckedAt      string          `json:"checked_at"`
	Checks         json.RawMessage `json:"checks"`
	Summary        json.RawMessage `json:"summary"`
	AgentSignature string          `json:"agent_signature"`
	AgentPublicKey string          `json:"agent_public_key"`
	SignedData     string          `json:"signed_data"`
}

// deliver attempts one upload and updates the queue row. Returns true on
// success.
func (s *Submitter) deliver(ctx context.Context, row QueuedBundle) bool {
	now := time.Now().UTC()

	err := s.post(ctx, row)
	switch {
	case err == nil:
		if mErr := s.queue.MarkUploaded(row.ID, now); mErr != nil {
			log.Printf("[evidence] mark uploaded %s: %v", row.BundleID, mErr)
		}
		return true
	case isIntegrityRejection(err):
		log.Printf("[evidence] bundle %s rejected by chain, parking: %v", row.BundleID, err)
		if mErr := s.queue.MarkRejected(row.ID, err.Error()); mErr != nil {
			log.Printf("[evidence] mark rejected %s: %v", row.BundleID, mErr)
		}
		return false
	default:
		log.Printf("[evidence] submit %s failed (retry %d): %v", row.BundleID, row.RetryCount+1, err)
		if mErr := s.queue.MarkFailed(row.ID, row.RetryCount, err.Error(), now); mErr != nil {
			log.Printf("[evidence] mark failed %s: %v", row.BundleID, mErr)
		}
		return false
	}
}

type integrityError struct {
	body string
}

func (e *integrityError) Error() string {
	return fmt.Sprintf("evidence rejected (409): %s", e.body)
}

func isIntegrityRejection(err error) bool {
	_, ok := err.(*integrityError)
	return ok
}

func (s *Submitter) post(ctx context.Context, row QueuedBundle) error {
	canonical, err := os.ReadFile(row.BundlePath)
	if err != nil {
		return fmt.Errorf("read staged bundle: %w", err)
	}
	sigHex, err := os.ReadFile(row.SignaturePath)
	if err != nil {
		return fmt.Errorf("read staged signature: %w", err)
	}

	var doc struct {
		SiteID    string          `json:"site_id"`
		CheckedAt string          `json:"checked_at"`
		Checks    json.RawMessage `json:"checks"`
		Summary   json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return fmt.Errorf("parse staged bundle: %w", err)
	}

	body, err := json.Marshal(bundleEnvelope{
		SiteID:         doc.SiteID,
		CheckedAt:      doc.CheckedAt,
		Checks:         doc.Checks,
		Summary:        doc.Summary,
		AgentSignature: string(sigHex),
		AgentPublicKey: s.publicKeyHex,
		SignedData:     string(canonical),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	url := s.apiEndpoint + "/api/evidence/sites/" + s.siteID + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result struct {
			BundleID      string `json:"bundle_id"`
			ChainPosition int    `json:"chain_position"`
		}
		if err := json.Unmarshal(respBody, &result); err == nil {
			log.Printf("[evidence] submitted: bundle=%s chain_pos=%d", result.BundleID, result.ChainPosition)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return &integrityError{body: string(respBody)}
	default:
		return fmt.Errorf("evidence submit returned %d: %s", resp.StatusCode, string(respBody))
	}
}
