// Package sites owns the provisioning lifecycle and the site-scoped
// fleet surface: one-time provision codes, Bearer token minting, domain
// credential intake and the discovery reports appliances push after
// enumerating a customer environment.
package sites

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianmsp/fleet/internal/controlplane/checkin"
)

var (
	// ErrCodeUnknown means no provision code row matches.
	ErrCodeUnknown = errors.New("provision code unknown")
	// ErrCodeClaimed means the code was already consumed.
	ErrCodeClaimed = errors.New("provision code already claimed")
	// ErrCodeExpired means the code exists but its window passed.
	ErrCodeExpired = errors.New("provision code expired")
	// ErrSiteUnknown means the referenced site does not exist.
	ErrSiteUnknown = errors.New("site unknown")
	// ErrTokenUnknown means no live site token hashes to the presented value.
	ErrTokenUnknown = errors.New("unknown or revoked token")
)

// defaultCodeTTL is how long a freshly minted provision code stays
// claimable when the partner does not pick a window.
const defaultCodeTTL = 72 * time.Hour

// Store runs provisioning and discovery persistence against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// MintParams describes a provision code to create.
type MintParams struct {
	SiteName string
	TTL      time.Duration
}

// MintedCode is returned to the partner who requested the code.
type MintedCode struct {
	Code      string `json:"code"`
	SiteName  string `json:"site_name"`
	ExpiresAt string `json:"expires_at"`
}

// MintCode creates a one-time provision code for a named site.
func (s *Store) MintCode(ctx context.Context, p MintParams) (*MintedCode, error) {
	name := strings.TrimSpace(p.SiteName)
	if name == "" {
		return nil, fmt.Errorf("site_name is required")
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}

	code, err := NewProvisionCode()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(ttl)
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO provision_codes (code, site_name, expires_at)
		VALUES ($1, $2, $3)
	`, code, name, expiresAt); err != nil {
		return nil, fmt.Errorf("insert provision code: %w", err)
	}

	log.Printf("[sites] provision code minted for %q (expires %s)",
		name, expiresAt.Format(time.RFC3339))

	return &MintedCode{
		Code:      code,
		SiteName:  name,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	}, nil
}

// ClaimParams identifies the appliance redeeming a provision code.
type ClaimParams struct {
	Code       string
	Hostname   string
	MACAddress string
}

// ClaimResult carries the identity a claimed appliance boots with. Token
// is the only copy that ever leaves the server; the database holds its
// hash.
type ClaimResult struct {
	SiteID      string `json:"site_id"`
	SiteName    string `json:"site_name"`
	ApplianceID string `json:"appliance_id"`
	Token       string `json:"token"`
}

// Claim consumes a provision code and creates the site, its appliance
// row and a Bearer token in one transaction. The code UPDATE matches
// only unclaimed, unexpired rows, so concurrent claims of the same code
// resolve to exactly one winner.
func (s *Store) Claim(ctx context.Context, p ClaimParams) (*ClaimResult, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var siteName string
	err = tx.QueryRow(ctx, `
		UPDATE provision_codes
		SET claimed_at = $2
		WHERE code = $1 AND claimed_at IS NULL AND expires_at > $2
		RETURNING site_name
	`, p.Code, now).Scan(&siteName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, classifyCodeMiss(ctx, tx, p.Code)
	}
	if err != nil {
		return nil, fmt.Errorf("claim code: %w", err)
	}

	siteID, err := uniqueSiteID(ctx, tx, siteName)
	if err != nil {
		return nil, fmt.Errorf("derive site_id: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sites (site_id, name) VALUES ($1, $2)`,
		siteID, siteName,
	); err != nil {
		return nil, fmt.Errorf("create site: %w", err)
	}

	applianceID := checkin.CanonicalApplianceID(siteID, p.MACAddress)
	if _, err := tx.Exec(ctx, `
		INSERT INTO appliances (appliance_id, site_id, hostname, mac_address, status)
		VALUES ($1, $2, $3, $4, 'offline')
	`, applianceID, siteID, p.Hostname, checkin.NormalizeMAC(p.MACAddress)); err != nil {
		return nil, fmt.Errorf("create appliance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE provision_codes SET claimed_by = $2 WHERE code = $1`,
		p.Code, applianceID,
	); err != nil {
		return nil, fmt.Errorf("record claimer: %w", err)
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO site_tokens (site_id, token_hash) VALUES ($1, $2)`,
		siteID, HashToken(token),
	); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	log.Printf("[sites] provision code claimed: site=%s appliance=%s", siteID, applianceID)

	return &ClaimResult{
		SiteID:      siteID,
		SiteName:    siteName,
		ApplianceID: applianceID,
		Token:       token,
	}, nil
}

// classifyCodeMiss explains why the claim UPDATE matched nothing.
func classifyCodeMiss(ctx context.Context, tx pgx.Tx, code string) error {
	var claimedAt *time.Time
	var expiresAt time.Time
	err := tx.QueryRow(ctx,
		`SELECT claimed_at, expires_at FROM provision_codes WHERE code = $1`,
		code,
	).Scan(&claimedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCodeUnknown
	}
	if err != nil {
		return fmt.Errorf("inspect code: %w", err)
	}
	if claimedAt != nil {
		return ErrCodeClaimed
	}
	return ErrCodeExpired
}

// uniqueSiteID derives a slug from the site name, suffixing a counter
// when the slug is already taken.
func uniqueSiteID(ctx context.Context, tx pgx.Tx, siteName string) (string, error) {
	base := Slugify(siteName)
	if base == "" {
		base = "site"
	}

	id := base
	for n := 2; n <= 100; n++ {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sites WHERE site_id = $1)`, id,
		).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return "", fmt.Errorf("no free site_id for %q", siteName)
}

// SiteForToken resolves a presented Bearer token to its site. Only the
// hash is compared; raw tokens are never stored.
func (s *Store) SiteForToken(ctx context.Context, token string) (string, error) {
	var siteID string
	err := s.pool.QueryRow(ctx, `
		SELECT site_id FROM site_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, HashToken(token)).Scan(&siteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrTokenUnknown
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return siteID, nil
}

// DomainCredentialParams is a DC credential submitted by the partner.
type DomainCredentialParams struct {
	CredentialName   string
	DomainName       string
	DomainController string
	Username         string
	Password         string
	UseSSL           bool
}

// DomainCredential is the appliance-facing view of a stored credential,
// shaped for NewADEnumerator: controller host, account and the DNS
// domain, password included.
type DomainCredential struct {
	CredentialName   string `json:"credential_name"`
	DomainName       string `json:"domain_name"`
	DomainController string `json:"domain_controller"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	UseSSL           bool   `json:"use_ssl"`
	CreatedAt        string `json:"created_at"`
}

// credentialPayload is the encrypted_data JSON for a domain_admin row.
// Keys line up with what the checkin target queries read back.
type credentialPayload struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	UseSSL   bool   `json:"use_ssl"`
}

// StoreDomainCredential persists a DC credential and arms the
// single-shot enumeration and scan triggers on every appliance at the
// site. Returns how many appliances were flagged.
func (s *Store) StoreDomainCredential(ctx context.Context, siteID string, p DomainCredentialParams) (int, error) {
	name := p.CredentialName
	if name == "" {
		name = p.DomainName + "-dc"
	}

	data, err := json.Marshal(credentialPayload{
		Host:     p.DomainController,
		Username: p.Username,
		Password: p.Password,
		Domain:   p.DomainName,
		UseSSL:   p.UseSSL,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal credential: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sites WHERE site_id = $1)`, siteID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check site: %w", err)
	}
	if !exists {
		return 0, ErrSiteUnknown
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO site_credentials (site_id, credential_name, credential_type, encrypted_data)
		VALUES ($1, $2, 'domain_admin', $3::jsonb)
	`, siteID, name, string(data)); err != nil {
		return 0, fmt.Errorf("insert credential: %w", err)
	}

	res, err := tx.Exec(ctx, `
		UPDATE appliances
		SET trigger_enumeration = TRUE, trigger_immediate_scan = TRUE
		WHERE site_id = $1
	`, siteID)
	if err != nil {
		return 0, fmt.Errorf("arm triggers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	flagged := int(res.RowsAffected())
	log.Printf("[sites] domain credential %q stored for %s, %d appliances flagged",
		name, siteID, flagged)
	return flagged, nil
}

// ListDomainCredentials returns the latest unexpired domain_admin
// credential per controller host.
func (s *Store) ListDomainCredentials(ctx context.Context, siteID string) ([]DomainCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (encrypted_data->>'host')
		       credential_name, encrypted_data, created_at
		FROM site_credentials
		WHERE site_id = $1
		  AND credential_type = 'domain_admin'
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY encrypted_data->>'host', created_at DESC
	`, siteID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []DomainCredential
	for rows.Next() {
		var name string
		var dataJSON []byte
		var createdAt time.Time
		if err := rows.Scan(&name, &dataJSON, &createdAt); err != nil {
			return nil, err
		}

		var payload credentialPayload
		if err := json.Unmarshal(dataJSON, &payload); err != nil {
			log.Printf("[sites] failed to parse credential %s: %v", name, err)
			continue
		}

		creds = append(creds, DomainCredential{
			CredentialName:   name,
			DomainName:       payload.Domain,
			DomainController: payload.Host,
			Username:         payload.Username,
			Password:         payload.Password,
			UseSSL:           payload.UseSSL,
			CreatedAt:        createdAt.UTC().Format(time.RFC3339),
		})
	}
	return creds, rows.Err()
}

// RecordDiscovery stores a discovery report verbatim. kind is "domain"
// or "enumeration"; the payload is the appliance's own JSON so the
// dashboard renders exactly what was seen.
func (s *Store) RecordDiscovery(ctx context.Context, kind, applianceID, siteID string, payload []byte) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO enumerations (appliance_id, site_id, kind, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`, applianceID, siteID, kind, string(payload)); err != nil {
		return fmt.Errorf("insert %s report: %w", kind, err)
	}
	return nil
}

// codeAlphabet omits characters operators misread when relaying a code
// over the phone (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewProvisionCode returns a code like "QK7M-3RTD-8XWP".
func NewProvisionCode() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// NewToken mints a site Bearer token: 32 random bytes, hex encoded.
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashToken is the storable form of a Bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Slugify converts a display name to a site_id slug: lowercase
// alphanumerics joined by single dashes, at most 40 characters.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}
