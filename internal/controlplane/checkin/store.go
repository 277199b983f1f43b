package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// redeliverAfter is how long a delivered-but-unacknowledged order waits
// before it is handed out again. Appliances ack within one 60 s checkin
// interval in normal operation, so redelivery means the response was lost.
const redeliverAfter = 5 * time.Minute

// Store runs the checkin pipeline against Postgres.
type Store struct {
	pool *pgxpool.Pool

	// serverPublicKey is the hex Ed25519 key appliances pin from their
	// first checkin response and use to verify orders and rules bundles.
	serverPublicKey string
}

// NewStore creates a Store. serverPublicKey is included verbatim in every
// checkin response.
func NewStore(pool *pgxpool.Pool, serverPublicKey string) *Store {
	return &Store{pool: pool, serverPublicKey: serverPublicKey}
}

// ProcessCheckin executes the full checkin pipeline in a single
// transaction: dedup/merge, upsert, key registration, order delivery,
// credential targets, runbooks and single-shot triggers.
func (s *Store) ProcessCheckin(ctx context.Context, req Request) (*Response, error) {
	now := time.Now().UTC()
	macClean := CleanMAC(req.MACAddress)
	canonicalID := CanonicalApplianceID(req.SiteID, req.MACAddress)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Appliances provisioned out-of-band may check in before anything
	// else references the site. Create the row rather than failing the
	// whole fleet surface on a foreign key.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sites (site_id, name) VALUES ($1, $1) ON CONFLICT (site_id) DO NOTHING`,
		req.SiteID,
	); err != nil {
		return nil, fmt.Errorf("ensure site: %w", err)
	}

	existing, err := findExisting(ctx, tx, req.SiteID, macClean)
	if err != nil {
		return nil, fmt.Errorf("find existing: %w", err)
	}

	// Same MAC on the same site means one physical appliance, whatever
	// id it registered under before. Keep the earliest first_checkin and
	// fold the rest into the canonical row.
	firstCheckin := now
	var mergeFromIDs []string
	for _, a := range existing {
		if a.ApplianceID != canonicalID {
			mergeFromIDs = append(mergeFromIDs, a.ApplianceID)
		}
		if a.FirstCheckin != nil && a.FirstCheckin.Before(firstCheckin) {
			firstCheckin = *a.FirstCheckin
		}
	}

	if len(mergeFromIDs) > 0 {
		log.Printf("[checkin] merging %d duplicate appliances into %s", len(mergeFromIDs), canonicalID)
		if err := mergeDuplicates(ctx, tx, mergeFromIDs, canonicalID); err != nil {
			return nil, fmt.Errorf("merge duplicates: %w", err)
		}
	}

	if err := upsertAppliance(ctx, tx, req, canonicalID, firstCheckin, now); err != nil {
		return nil, fmt.Errorf("upsert appliance: %w", err)
	}

	if req.AgentPublicKey != nil && *req.AgentPublicKey != "" {
		registerAgentKey(ctx, tx, req.SiteID, canonicalID, *req.AgentPublicKey, now)
	}

	pendingOrders, err := deliverOrders(ctx, tx, canonicalID, now)
	if err != nil {
		return nil, fmt.Errorf("deliver orders: %w", err)
	}

	var windowsTargets []WindowsTarget
	var linuxTargets []LinuxTarget
	if !req.HasLocalCredentials {
		windowsTargets, err = fetchWindowsTargets(ctx, tx, req.SiteID, now)
		if err != nil {
			log.Printf("[checkin] windows creds query failed: %v", err)
		}
		linuxTargets, err = fetchLinuxTargets(ctx, tx, req.SiteID, now)
		if err != nil {
			log.Printf("[checkin] linux creds query failed: %v", err)
		}
	}

	enabledRunbooks, err := fetchEnabledRunbooks(ctx, tx, req.SiteID)
	if err != nil {
		log.Printf("[checkin] runbooks query failed: %v", err)
	}

	flags := fetchAndClearTriggers(ctx, tx, canonicalID)
	l2Mode := fetchL2Mode(ctx, tx, canonicalID)
	subStatus := fetchSubscriptionStatus(ctx, tx, req.SiteID)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	// Appliances range over these without nil checks.
	if pendingOrders == nil {
		pendingOrders = []PendingOrder{}
	}
	if windowsTargets == nil {
		windowsTargets = []WindowsTarget{}
	}
	if linuxTargets == nil {
		linuxTargets = []LinuxTarget{}
	}
	if enabledRunbooks == nil {
		enabledRunbooks = []string{}
	}

	return &Response{
		Status:               "ok",
		ApplianceID:          canonicalID,
		ServerTime:           isoTime(now),
		ServerPublicKey:      s.serverPublicKey,
		MergedDuplicates:     len(mergeFromIDs),
		PendingOrders:        pendingOrders,
		WindowsTargets:       windowsTargets,
		LinuxTargets:         linuxTargets,
		EnabledRunbooks:      enabledRunbooks,
		L2Mode:               l2Mode,
		SubscriptionStatus:   subStatus,
		TriggerEnumeration:   flags.enumeration,
		TriggerImmediateScan: flags.immediateScan,
	}, nil
}

type existingAppliance struct {
	ApplianceID  string
	FirstCheckin *time.Time
}

// findExisting locks every appliance row on the site whose MAC matches
// after separator stripping. FOR UPDATE holds the rows until commit so
// two concurrent checkins of the same box serialize.
func findExisting(ctx context.Context, tx pgx.Tx, siteID, macClean string) ([]existingAppliance, error) {
	rows, err := tx.Query(ctx, `
		SELECT appliance_id, first_checkin
		FROM appliances
		WHERE site_id = $1
		  AND UPPER(REPLACE(REPLACE(REPLACE(mac_address, ':', ''), '-', ''), '.', '')) = $2
		ORDER BY last_checkin DESC NULLS LAST
		FOR UPDATE
	`, siteID, macClean)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []existingAppliance
	for rows.Next() {
		var a existingAppliance
		if err := rows.Scan(&a.ApplianceID, &a.FirstCheckin); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// mergeDuplicates deletes the duplicate rows and repoints their
// undelivered orders at the canonical id so nothing queued is lost.
func mergeDuplicates(ctx context.Context, tx pgx.Tx, ids []string, canonicalID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET appliance_id = $1
		WHERE appliance_id = ANY($2) AND status IN ('pending', 'delivered')
	`, canonicalID, ids); err != nil {
		return fmt.Errorf("reassign orders: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM appliances WHERE appliance_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete duplicates: %w", err)
	}
	return nil
}

func upsertAppliance(ctx context.Context, tx pgx.Tx, req Request, canonicalID string, firstCheckin, now time.Time) error {
	ipJSON, _ := json.Marshal(req.IPAddresses)
	version := ""
	if req.AgentVersion != nil {
		version = *req.AgentVersion
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO appliances (
			appliance_id, site_id, hostname, mac_address, ip_addresses,
			version, status, first_checkin, last_checkin
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, 'online', $7, $8)
		ON CONFLICT (appliance_id) DO UPDATE SET
			hostname      = EXCLUDED.hostname,
			mac_address   = EXCLUDED.mac_address,
			ip_addresses  = EXCLUDED.ip_addresses,
			version       = EXCLUDED.version,
			status        = 'online',
			first_checkin = LEAST(appliances.first_checkin, EXCLUDED.first_checkin),
			last_checkin  = EXCLUDED.last_checkin
	`, canonicalID, req.SiteID, req.Hostname, NormalizeMAC(req.MACAddress),
		string(ipJSON), version, firstCheckin, now)
	return err
}

// registerAgentKey pins the appliance's Ed25519 evidence key. The first
// key reported wins; a different key is only accepted while the site has
// a declared rotation window, otherwise it is logged and ignored so a
// compromised appliance cannot silently swap identities.
func registerAgentKey(ctx context.Context, tx pgx.Tx, siteID, applianceID, pubKey string, now time.Time) {
	var existing *string
	err := tx.QueryRow(ctx,
		`SELECT agent_public_key FROM appliances WHERE appliance_id = $1`,
		applianceID,
	).Scan(&existing)
	if err != nil {
		log.Printf("[checkin] get agent_public_key failed: %v", err)
		return
	}

	if existing == nil || *existing == "" {
		if _, err := tx.Exec(ctx,
			`UPDATE appliances SET agent_public_key = $1 WHERE appliance_id = $2`,
			pubKey, applianceID,
		); err != nil {
			log.Printf("[checkin] set agent_public_key failed: %v", err)
		}
		return
	}
	if *existing == pubKey {
		return
	}

	var rotationUntil *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT key_rotation_until FROM sites WHERE site_id = $1`,
		siteID,
	).Scan(&rotationUntil); err != nil {
		log.Printf("[checkin] get key_rotation_until failed: %v", err)
		return
	}

	if rotationUntil != nil && now.Before(*rotationUntil) {
		log.Printf("[checkin] WARNING: rotating agent_public_key for %s (window open until %s)",
			applianceID, rotationUntil.UTC().Format(time.RFC3339))
		if _, err := tx.Exec(ctx,
			`UPDATE appliances SET agent_public_key = $1 WHERE appliance_id = $2`,
			pubKey, applianceID,
		); err != nil {
			log.Printf("[checkin] rotate agent_public_key failed: %v", err)
		}
		return
	}

	log.Printf("[checkin] WARNING: appliance %s reported a different agent_public_key with no rotation window; keeping pinned key (security event)",
		applianceID)
}

// deliverOrders expires stale orders, selects deliverable ones sorted
// (priority DESC, created_at ASC) and marks them delivered in the same
// transaction. A delivered order is never re-sent unless it sits
// unacknowledged past redeliverAfter, so delivery is exactly-once on the
// happy path.
func deliverOrders(ctx context.Context, tx pgx.Tx, applianceID string, now time.Time) ([]PendingOrder, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = 'expired'
		WHERE appliance_id = $1 AND status = 'pending' AND expires_at <= $2
	`, applianceID, now); err != nil {
		return nil, fmt.Errorf("expire orders: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT order_id::text, order_type, parameters, priority, runbook_id,
		       nonce, signature, signed_payload, created_at, expires_at
		FROM orders
		WHERE appliance_id = $1
		  AND expires_at > $2
		  AND (status = 'pending'
		       OR (status = 'delivered' AND acked_at IS NULL AND delivered_at <= $3))
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE
	`, applianceID, now, now.Add(-redeliverAfter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []PendingOrder
	var ids []string
	for rows.Next() {
		var o PendingOrder
		var params []byte
		var runbookID *string
		var createdAt, expiresAt time.Time

		if err := rows.Scan(&o.OrderID, &o.OrderType, &params, &o.Priority, &runbookID,
			&o.Nonce, &o.Signature, &o.SignedPayload, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		if params != nil {
			_ = json.Unmarshal(params, &o.Parameters)
		}
		if o.Parameters == nil {
			o.Parameters = map[string]interface{}{}
		}
		if runbookID != nil {
			o.RunbookID = *runbookID
		}
		o.CreatedAt = isoTimePtr(&createdAt)
		o.ExpiresAt = isoTimePtr(&expiresAt)
		orders = append(orders, o)
		ids = append(ids, o.OrderID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = 'delivered', delivered_at = $2
			WHERE order_id::text = ANY($1)
		`, ids, now); err != nil {
			return nil, fmt.Errorf("mark delivered: %w", err)
		}
	}

	return orders, nil
}

// credentialData is the decrypted JSON payload of a site_credentials row.
type credentialData struct {
	Host         string `json:"host"`
	TargetHost   string `json:"target_host"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	SudoPassword string `json:"sudo_password"`
	Domain       string `json:"domain"`
	UseSSL       bool   `json:"use_ssl"`
	Port         int    `json:"port"`
	PrivateKey   string `json:"private_key"`
	Label        string `json:"label"`
}

// credentialHost is the COALESCE Postgres evaluates to pick the host a
// credential row targets; it doubles as the dedup key for "latest
// unexpired row per host".
const credentialHost = `COALESCE(NULLIF(encrypted_data->>'host', ''), encrypted_data->>'target_host')`

func fetchWindowsTargets(ctx context.Context, tx pgx.Tx, siteID string, now time.Time) ([]WindowsTarget, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (`+credentialHost+`)
		       credential_name, credential_type, encrypted_data
		FROM site_credentials
		WHERE site_id = $1
		  AND credential_type IN ('winrm', 'domain_admin', 'service_account', 'local_admin')
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY `+credentialHost+`, created_at DESC
	`, siteID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []WindowsTarget
	for rows.Next() {
		var name, credType string
		var dataJSON []byte
		if err := rows.Scan(&name, &credType, &dataJSON); err != nil {
			return nil, err
		}

		var cred credentialData
		if err := json.Unmarshal(dataJSON, &cred); err != nil {
			log.Printf("[checkin] failed to parse credential %s: %v", name, err)
			continue
		}

		hostname := cred.Host
		if hostname == "" {
			hostname = cred.TargetHost
		}
		if hostname == "" {
			continue
		}

		username := cred.Username
		if cred.Domain != "" {
			username = cred.Domain + `\` + cred.Username
		}

		role := "member"
		if credType == "domain_admin" {
			role = "domain_admin"
		}

		targets = append(targets, WindowsTarget{
			Hostname: hostname,
			Username: username,
			Password: cred.Password,
			UseSSL:   cred.UseSSL,
			Role:     role,
		})
	}
	return targets, rows.Err()
}

func fetchLinuxTargets(ctx context.Context, tx pgx.Tx, siteID string, now time.Time) ([]LinuxTarget, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (`+credentialHost+`)
		       credential_name, encrypted_data
		FROM site_credentials
		WHERE site_id = $1
		  AND credential_type IN ('ssh_key', 'linux_password')
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY `+credentialHost+`, created_at DESC
	`, siteID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []LinuxTarget
	for rows.Next() {
		var name string
		var dataJSON []byte
		if err := rows.Scan(&name, &dataJSON); err != nil {
			return nil, err
		}

		var cred credentialData
		if err := json.Unmarshal(dataJSON, &cred); err != nil {
			log.Printf("[checkin] failed to parse SSH credential %s: %v", name, err)
			continue
		}

		hostname := cred.Host
		if hostname == "" {
			hostname = cred.TargetHost
		}
		if hostname == "" {
			continue
		}

		port := cred.Port
		if port == 0 {
			port = 22
		}
		username := cred.Username
		if username == "" {
			username = "root"
		}

		target := LinuxTarget{
			Hostname: hostname,
			Port:     port,
			Username: username,
		}
		if cred.Password != "" {
			target.Password = &cred.Password
		}
		if cred.SudoPassword != "" {
			target.SudoPassword = &cred.SudoPassword
		}
		if cred.PrivateKey != "" {
			target.PrivateKey = &cred.PrivateKey
		}
		if cred.Label != "" {
			target.Label = &cred.Label
		}

		targets = append(targets, target)
	}
	return targets, rows.Err()
}

func fetchEnabledRunbooks(ctx context.Context, tx pgx.Tx, siteID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT r.runbook_id, COALESCE(src.enabled, r.enabled) AS enabled
		FROM runbooks r
		LEFT JOIN site_runbook_config src
		       ON src.runbook_id = r.runbook_id AND src.site_id = $1
		ORDER BY r.runbook_id
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runbooks []string
	for rows.Next() {
		var id string
		var enabled bool
		if err := rows.Scan(&id, &enabled); err != nil {
			return nil, err
		}
		if enabled {
			runbooks = append(runbooks, id)
		}
	}
	return runbooks, rows.Err()
}

type triggerFlags struct {
	enumeration   bool
	immediateScan bool
}

// fetchAndClearTriggers reads the single-shot flags and clears them in
// the same transaction, so a flag set by a credential upload fires on
// exactly one checkin.
func fetchAndClearTriggers(ctx context.Context, tx pgx.Tx, applianceID string) triggerFlags {
	var flags triggerFlags
	err := tx.QueryRow(ctx, `
		SELECT trigger_enumeration, trigger_immediate_scan
		FROM appliances WHERE appliance_id = $1
	`, applianceID).Scan(&flags.enumeration, &flags.immediateScan)
	if err != nil {
		return flags
	}

	if flags.enumeration || flags.immediateScan {
		_, _ = tx.Exec(ctx, `
			UPDATE appliances
			SET trigger_enumeration = FALSE, trigger_immediate_scan = FALSE
			WHERE appliance_id = $1
		`, applianceID)
	}
	return flags
}

func fetchL2Mode(ctx context.Context, tx pgx.Tx, applianceID string) string {
	var mode *string
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(a.l2_mode, s.l2_mode)
		FROM appliances a
		JOIN sites s ON s.site_id = a.site_id
		WHERE a.appliance_id = $1
	`, applianceID).Scan(&mode)
	if err != nil || mode == nil {
		return "auto"
	}
	return *mode
}

func fetchSubscriptionStatus(ctx context.Context, tx pgx.Tx, siteID string) string {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT subscription_status FROM sites WHERE site_id = $1`,
		siteID,
	).Scan(&status)
	if err != nil || status == "" {
		return "active"
	}
	return status
}
