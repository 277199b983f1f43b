// Package chain persists evidence bundles in an append-only per-site
// hash chain. Bundle bytes live in the write-once object store; the
// database holds metadata and hashes only, so a later verify replays the
// exact bytes each agent signature was computed over.
package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianmsp/fleet/internal/controlplane/objstore"
)

// GenesisPrevHash seeds position 0 of every site chain.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Rejection reasons surfaced in 409 bodies and metrics labels.
const (
	ReasonBadEnvelope      = "bad_envelope"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonKeyMismatch      = "key_mismatch"
)

// Rejection is a submit refused for integrity reasons. The bundle is not
// persisted; the appliance parks it instead of retrying.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("evidence rejected (%s): %s", r.Reason, r.Detail)
}

// Envelope is the submit body POSTed by appliances. signed_data carries
// the exact canonical bytes the agent signed; checks and summary are
// informational slices of those bytes.
type Envelope struct {
	SiteID         string `json:"site_id"`
	CheckedAt      string `json:"checked_at"`
	AgentSignature string `json:"agent_signature"`
	AgentPublicKey string `json:"agent_public_key"`
	SignedData     string `json:"signed_data"`
}

// SubmitResult reports where an accepted bundle landed.
type SubmitResult struct {
	BundleID      string `json:"bundle_id"`
	ChainPosition int64  `json:"chain_position"`
}

// BundleMeta is one evidence_bundles row.
type BundleMeta struct {
	BundleID       string    `json:"bundle_id"`
	ChainPosition  int64     `json:"chain_position"`
	PrevHash       string    `json:"prev_hash"`
	CurrentHash    string    `json:"current_hash"`
	AgentSignature string    `json:"-"`
	AgentPublicKey string    `json:"-"`
	CheckedAt      time.Time `json:"checked_at"`
	ObjectKey      string    `json:"-"`
	AnchorStatus   string    `json:"anchor_status"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Store appends to and verifies per-site evidence chains.
type Store struct {
	pool    *pgxpool.Pool
	objects *objstore.Store
}

// NewStore wires the chain to its database and object store.
func NewStore(pool *pgxpool.Pool, objects *objstore.Store) *Store {
	return &Store{pool: pool, objects: objects}
}

// verifyEnvelope runs the stateless integrity gate: well-formed fields
// and a valid Ed25519 signature over signed_data. Key registration is
// checked separately because it needs the database.
func verifyEnvelope(env *Envelope) (checkedAt time.Time, rej *Rejection) {
	if env.SignedData == "" {
		return time.Time{}, &Rejection{ReasonBadEnvelope, "signed_data is required"}
	}
	if env.AgentSignature == "" || env.AgentPublicKey == "" {
		return time.Time{}, &Rejection{ReasonBadEnvelope, "agent_signature and agent_public_key are required"}
	}

	checkedAt, err := time.Parse(time.RFC3339, env.CheckedAt)
	if err != nil {
		return time.Time{}, &Rejection{ReasonBadEnvelope, "checked_at must be RFC 3339: " + err.Error()}
	}

	pub, err := hex.DecodeString(env.AgentPublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return time.Time{}, &Rejection{ReasonBadEnvelope, "agent_public_key must be a 32-byte hex Ed25519 key"}
	}
	sig, err := hex.DecodeString(env.AgentSignature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return time.Time{}, &Rejection{ReasonBadEnvelope, "agent_signature must be a 64-byte hex signature"}
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(env.SignedData), sig) {
		return time.Time{}, &Rejection{ReasonSignatureInvalid, "agent_signature does not verify over signed_data"}
	}
	return checkedAt, nil
}

// Submit verifies and appends one bundle. Returns *Rejection (as error)
// when the bundle fails an integrity check; nothing is persisted then.
// Submits for the same site serialize on a transaction-scoped advisory
// lock, so chain positions are assigned without gaps or duplicates.
func (s *Store) Submit(ctx context.Context, env *Envelope) (*SubmitResult, error) {
	checkedAt, rej := verifyEnvelope(env)
	if rej != nil {
		return nil, rej
	}

	registered, rotationOpen, err := s.registeredKey(ctx, env.SiteID)
	if err != nil {
		return nil, fmt.Errorf("lookup registered key: %w", err)
	}
	if registered != "" && registered != env.AgentPublicKey && !rotationOpen {
		return nil, &Rejection{ReasonKeyMismatch, "agent_public_key differs from the registered key and no rotation window is declared"}
	}

	sum := sha256.Sum256([]byte(env.SignedData))
	currentHash := hex.EncodeToString(sum[:])
	bundleID := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Held until commit; all writers for this site queue behind it.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('evidence:' || $1, 0))`,
		env.SiteID,
	); err != nil {
		return nil, fmt.Errorf("acquire site lock: %w", err)
	}

	position := int64(0)
	prevHash := GenesisPrevHash
	var lastPos int64
	var lastHash string
	err = tx.QueryRow(ctx, `
		SELECT chain_position, current_hash
		FROM evidence_bundles
		WHERE site_id = $1
		ORDER BY chain_position DESC
		LIMIT 1
	`, env.SiteID).Scan(&lastPos, &lastHash)
	switch {
	case err == nil:
		position = lastPos + 1
		prevHash = lastHash
	case errors.Is(err, pgx.ErrNoRows):
		// First bundle for the site.
	default:
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	objectKey := fmt.Sprintf("%s/%08d-%s.json", env.SiteID, position, bundleID)
	if err := s.objects.Put(objectKey, []byte(env.SignedData)); err != nil {
		return nil, fmt.Errorf("store bundle bytes: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO evidence_bundles (
			bundle_id, site_id, chain_position, prev_hash, current_hash,
			agent_signature, agent_public_key, checked_at, object_key
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)
	`, bundleID, env.SiteID, position, prevHash, currentHash,
		env.AgentSignature, env.AgentPublicKey, checkedAt, objectKey); err != nil {
		return nil, fmt.Errorf("insert bundle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.queueAnchor(ctx, bundleID)

	return &SubmitResult{BundleID: bundleID, ChainPosition: position}, nil
}

// registeredKey returns the evidence key pinned for the site — the key
// of its most recently checked-in appliance — plus whether the site has
// an open rotation window. Fan-in keeps the most-recently-seen appliance
// authoritative, which is also the one producing bundles.
func (s *Store) registeredKey(ctx context.Context, siteID string) (key string, rotationOpen bool, err error) {
	var pinned *string
	err = s.pool.QueryRow(ctx, `
		SELECT agent_public_key
		FROM appliances
		WHERE site_id = $1 AND agent_public_key IS NOT NULL AND agent_public_key <> ''
		ORDER BY last_checkin DESC NULLS LAST
		LIMIT 1
	`, siteID).Scan(&pinned)
	if errors.Is(err, pgx.ErrNoRows) {
		// No key registered yet: the first signed bundle establishes it.
		err = nil
	}
	if err != nil {
		return "", false, err
	}
	if pinned != nil {
		key = *pinned
	}

	var until *time.Time
	rErr := s.pool.QueryRow(ctx,
		`SELECT key_rotation_until FROM sites WHERE site_id = $1`,
		siteID,
	).Scan(&until)
	if rErr != nil && !errors.Is(rErr, pgx.ErrNoRows) {
		return "", false, rErr
	}
	rotationOpen = until != nil && time.Now().UTC().Before(*until)
	return key, rotationOpen, nil
}

// queueAnchor records anchoring intent. Actual OpenTimestamps submission
// is the enterprise anchor worker's job; the core server only transitions
// the bundle out of 'pending'.
func (s *Store) queueAnchor(ctx context.Context, bundleID string) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE evidence_bundles SET anchor_status = 'queued' WHERE bundle_id = $1::uuid`,
		bundleID,
	); err != nil {
		log.Printf("[chain] queue anchor for %s failed: %v", bundleID, err)
	}
}

// ListBundles returns up to limit bundles for the site, newest first.
func (s *Store) ListBundles(ctx context.Context, siteID string, limit int) ([]BundleMeta, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT bundle_id::text, chain_position, prev_hash, current_hash,
		       agent_signature, agent_public_key, checked_at, object_key,
		       anchor_status, received_at
		FROM evidence_bundles
		WHERE site_id = $1
		ORDER BY chain_position DESC
		LIMIT $2
	`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBundles(rows)
}

// ChainFault describes the first inconsistency a verify pass found.
type ChainFault struct {
	ChainPosition int64  `json:"chain_position"`
	BundleID      string `json:"bundle_id"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail"`
}

// VerifyResult is the verify endpoint body.
type VerifyResult struct {
	SiteID          string      `json:"site_id"`
	Status          string      `json:"status"` // "ok" or "chain_broken"
	BundlesVerified int         `json:"bundles_verified"`
	Fault           *ChainFault `json:"fault,omitempty"`
}

// Verify replays the whole chain for a site from the object store:
// signature over the stored bytes, stored hash, hash linkage and
// position contiguity. Returns the first inconsistency found.
func (s *Store) Verify(ctx context.Context, siteID string) (*VerifyResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bundle_id::text, chain_position, prev_hash, current_hash,
		       agent_signature, agent_public_key, checked_at, object_key,
		       anchor_status, received_at
		FROM evidence_bundles
		WHERE site_id = $1
		ORDER BY chain_position ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bundles, err := scanBundles(rows)
	if err != nil {
		return nil, err
	}

	verified, fault := replayChain(bundles, s.objects.Get)
	result := &VerifyResult{SiteID: siteID, Status: "ok", BundlesVerified: verified}
	if fault != nil {
		result.Status = "chain_broken"
		result.Fault = fault
	}
	return result, nil
}

// replayChain walks bundles in ascending position order, re-verifying
// each signature and hash against the stored bytes. When several checks
// fail on one bundle, the signature failure is reported first; a wrong
// signature makes the hash question moot.
func replayChain(bundles []BundleMeta, fetch func(key string) ([]byte, error)) (verified int, fault *ChainFault) {
	prevHash := GenesisPrevHash
	for i, b := range bundles {
		if b.ChainPosition != int64(i) {
			return i, &ChainFault{
				ChainPosition: b.ChainPosition,
				BundleID:      b.BundleID,
				Reason:        "position_gap",
				Detail:        fmt.Sprintf("expected chain_position %d, found %d", i, b.ChainPosition),
			}
		}

		data, err := fetch(b.ObjectKey)
		if err != nil {
			return i, &ChainFault{
				ChainPosition: b.ChainPosition,
				BundleID:      b.BundleID,
				Reason:        "object_missing",
				Detail:        err.Error(),
			}
		}

		pub, pubErr := hex.DecodeString(b.AgentPublicKey)
		sig, sigErr := hex.DecodeString(b.AgentSignature)
		if pubErr != nil || len(pub) != ed25519.PublicKeySize ||
			sigErr != nil || len(sig) != ed25519.SignatureSize ||
			!ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
			return i, &ChainFault{
				ChainPosition: b.ChainPosition,
				BundleID:      b.BundleID,
				Reason:        "signature_invalid",
				Detail:        "agent_signature does not verify over stored bundle bytes",
			}
		}

		sum := sha256.Sum256(data)
		currentHash := hex.EncodeToString(sum[:])
		if !strings.EqualFold(currentHash, b.CurrentHash) {
			return i, &ChainFault{
				ChainPosition: b.ChainPosition,
				BundleID:      b.BundleID,
				Reason:        "hash_mismatch",
				Detail:        "stored current_hash does not match SHA-256 of bundle bytes",
			}
		}
		if !strings.EqualFold(b.PrevHash, prevHash) {
			return i, &ChainFault{
				ChainPosition: b.ChainPosition,
				BundleID:      b.BundleID,
				Reason:        "link_broken",
				Detail:        fmt.Sprintf("prev_hash does not match hash of bundle %d", b.ChainPosition-1),
			}
		}

		prevHash = currentHash
		verified++
	}
	return verified, nil
}

func scanBundles(rows pgx.Rows) ([]BundleMeta, error) {
	var bundles []BundleMeta
	for rows.Next() {
		var b BundleMeta
		if err := rows.Scan(&b.BundleID, &b.ChainPosition, &b.PrevHash, &b.CurrentHash,
			&b.AgentSignature, &b.AgentPublicKey, &b.CheckedAt, &b.ObjectKey,
			&b.AnchorStatus, &b.ReceivedAt); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}
