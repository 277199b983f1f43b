// Package orderapi creates signed orders and records their lifecycle.
//
// Orders are minted here and nowhere else: every row carries a UUID
// nonce and an Ed25519 signature over the canonical payload, and the
// payload string is stored verbatim so the appliance verifies the exact
// bytes that were signed. Delivery happens in the checkin transaction;
// this package owns creation, acknowledgement and completion.
package orderapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianmsp/fleet/internal/controlplane/signing"
)

// ErrNotFound means no order row matches the id.
var ErrNotFound = errors.New("orderapi: order not found")

// ErrFinal means the order already reached completed/failed/cancelled.
var ErrFinal = errors.New("orderapi: order already in a final state")

// orderTypes is the fleet-wide enumeration the appliance processor
// dispatches on. Creating anything else is a typo, not a feature.
var orderTypes = map[string]bool{
	"force_checkin":       true,
	"run_drift":           true,
	"sync_rules":          true,
	"restart_agent":       true,
	"nixos_rebuild":       true,
	"update_agent":        true,
	"update_iso":          true,
	"view_logs":           true,
	"diagnostic":          true,
	"deploy_sensor":       true,
	"remove_sensor":       true,
	"deploy_linux_sensor": true,
	"remove_linux_sensor": true,
	"sensor_status":       true,
	"sync_promoted_rule":  true,
	"healing":             true,
	"update_credentials":  true,
}

// ValidOrderType reports whether t is a known order type.
func ValidOrderType(t string) bool {
	return orderTypes[t]
}

// CreateParams describes an order to mint.
type CreateParams struct {
	ApplianceID string
	SiteID      string
	OrderType   string
	Parameters  map[string]interface{}
	Priority    int
	RunbookID   string
	TTL         time.Duration
}

// Order is an order row as returned to API callers.
type Order struct {
	OrderID     string                 `json:"order_id"`
	ApplianceID string                 `json:"appliance_id"`
	SiteID      string                 `json:"site_id,omitempty"`
	OrderType   string                 `json:"order_type"`
	Parameters  map[string]interface{} `json:"parameters"`
	Priority    int                    `json:"priority"`
	Status      string                 `json:"status"`
	RunbookID   string                 `json:"runbook_id,omitempty"`
	Nonce       string                 `json:"nonce"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

// Store mints and tracks orders.
type Store struct {
	pool       *pgxpool.Pool
	signer     *signing.Signer
	defaultTTL time.Duration
}

// NewStore wires the order store to the database and the server signer.
func NewStore(pool *pgxpool.Pool, signer *signing.Signer, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &Store{pool: pool, signer: signer, defaultTTL: defaultTTL}
}

// Create signs and inserts one order. The appliance refuses unsigned or
// expired orders, so the nonce, TTL and signature are all mandatory and
// produced here.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Order, error) {
	if p.ApplianceID == "" {
		return nil, fmt.Errorf("orderapi: appliance_id is required")
	}
	if !ValidOrderType(p.OrderType) {
		return nil, fmt.Errorf("orderapi: unknown order_type %q", p.OrderType)
	}
	if p.Priority <= 0 {
		p.Priority = 5
	}
	if p.Priority > 10 {
		p.Priority = 10
	}
	if p.TTL <= 0 {
		p.TTL = s.defaultTTL
	}
	if p.Parameters == nil {
		p.Parameters = map[string]interface{}{}
	}
	if p.RunbookID != "" {
		// The runbook travels inside the signed parameters too, so the
		// appliance executes exactly what was signed.
		p.Parameters["runbook_id"] = p.RunbookID
	}

	now := time.Now().UTC()
	order := &Order{
		OrderID:     uuid.NewString(),
		ApplianceID: p.ApplianceID,
		SiteID:      p.SiteID,
		OrderType:   p.OrderType,
		Parameters:  p.Parameters,
		Priority:    p.Priority,
		Status:      "pending",
		RunbookID:   p.RunbookID,
		Nonce:       signing.NewNonce(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.TTL),
	}

	payload, sigHex, err := s.signer.SignOrder(signing.OrderFields{
		OrderID:           order.OrderID,
		OrderType:         order.OrderType,
		Parameters:        order.Parameters,
		Priority:          order.Priority,
		CreatedAt:         order.CreatedAt,
		ExpiresAt:         order.ExpiresAt,
		Nonce:             order.Nonce,
		TargetApplianceID: order.ApplianceID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	paramsJSON, err := json.Marshal(order.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	var siteID, runbookID *string
	if order.SiteID != "" {
		siteID = &order.SiteID
	}
	if order.RunbookID != "" {
		runbookID = &order.RunbookID
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, appliance_id, site_id, order_type, parameters, priority,
			status, runbook_id, nonce, signature, signed_payload,
			created_at, expires_at
		) VALUES ($1::uuid, $2, $3, $4, $5::jsonb, $6, 'pending', $7, $8, $9, $10, $11, $12)
	`, order.OrderID, order.ApplianceID, siteID, order.OrderType, string(paramsJSON),
		order.Priority, runbookID, order.Nonce, sigHex, payload,
		order.CreatedAt, order.ExpiresAt); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	return order, nil
}

// CreateForSite mints the same order for every online appliance of every
// given site. Used by the flywheel to fan a sync_rules order across the
// fleet after a promotion.
func (s *Store) CreateForSite(ctx context.Context, siteID, orderType string, params map[string]interface{}, priority int) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT appliance_id FROM appliances WHERE site_id = $1`,
		siteID,
	)
	if err != nil {
		return 0, fmt.Errorf("list appliances: %w", err)
	}
	defer rows.Close()

	var applianceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		applianceIDs = append(applianceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	for _, applianceID := range applianceIDs {
		// Each appliance gets its own signed copy: the signature binds
		// target_appliance_id, so orders cannot be replayed cross-box.
		p := make(map[string]interface{}, len(params))
		for k, v := range params {
			p[k] = v
		}
		if _, err := s.Create(ctx, CreateParams{
			ApplianceID: applianceID,
			SiteID:      siteID,
			OrderType:   orderType,
			Parameters:  p,
			Priority:    priority,
		}); err != nil {
			return created, fmt.Errorf("create for %s: %w", applianceID, err)
		}
		created++
	}
	return created, nil
}

// SiteIDs returns every known site, for fleet-wide fan-out.
func (s *Store) SiteIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT site_id FROM sites ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ack marks an order acknowledged. Idempotent for repeated acks of an
// already-acknowledged order; final states are refused.
func (s *Store) Ack(ctx context.Context, orderID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'acknowledged', acked_at = COALESCE(acked_at, NOW())
		WHERE order_id::text = $1
		  AND status IN ('pending', 'delivered', 'acknowledged')
	`, orderID)
	if err != nil {
		return fmt.Errorf("ack order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, orderID)
	}
	return nil
}

// CompletionReport is the appliance-reported outcome of an order.
type CompletionReport struct {
	Success      bool                   `json:"success"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Complete records the terminal result of an order. Late completions of
// expired orders are recorded too: the work happened, the dashboard
// should say so.
func (s *Store) Complete(ctx context.Context, orderID string, report CompletionReport) error {
	status := "completed"
	if !report.Success {
		status = "failed"
	}

	var resultJSON *string
	if report.Result != nil {
		raw, err := json.Marshal(report.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		str := string(raw)
		resultJSON = &str
	}
	var errMsg *string
	if report.ErrorMessage != "" {
		errMsg = &report.ErrorMessage
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, result = $3::jsonb, error_message = $4, completed_at = NOW()
		WHERE order_id::text = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
	`, orderID, status, resultJSON, errMsg)
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, orderID)
	}
	return nil
}

// Get returns one order.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	var params []byte
	var siteID, runbookID *string
	err := s.pool.QueryRow(ctx, `
		SELECT order_id::text, appliance_id, site_id, order_type, parameters,
		       priority, status, runbook_id, nonce, created_at, expires_at
		FROM orders
		WHERE order_id::text = $1
	`, orderID).Scan(&o.OrderID, &o.ApplianceID, &siteID, &o.OrderType, &params,
		&o.Priority, &o.Status, &runbookID, &o.Nonce, &o.CreatedAt, &o.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if params != nil {
		_ = json.Unmarshal(params, &o.Parameters)
	}
	if siteID != nil {
		o.SiteID = *siteID
	}
	if runbookID != nil {
		o.RunbookID = *runbookID
	}
	return &o, nil
}

// classifyMiss distinguishes "no such order" from "order already final"
// after a zero-row update.
func (s *Store) classifyMiss(ctx context.Context, orderID string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM orders WHERE order_id::text = $1`,
		orderID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w (status %s)", ErrFinal, status)
}
