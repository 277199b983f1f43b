// Package incidents stores the drift findings and escalations appliances
// report. One open incident exists per (site, host, check) at a time:
// repeated reports refresh it, a resolve report closes it.
package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists incidents in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ReportParams is an incoming drift finding or escalation.
type ReportParams struct {
	SiteID        string
	HostID        string
	IncidentType  string
	Severity      string
	CheckType     string
	Details       map[string]interface{}
	PreState      map[string]interface{}
	HIPAAControls []string
}

// Report records an incident. When an open incident already exists for
// the same (site, host, check) it is refreshed in place instead of
// duplicated, so a drift re-detected every scan cycle stays one row.
// Returns the incident id and whether a new row was created.
func (s *Store) Report(ctx context.Context, p ReportParams) (int64, bool, error) {
	checkType := p.CheckType
	if checkType == "" {
		checkType = p.IncidentType
	}

	detailsJSON := mustJSONObject(p.Details)
	controlsJSON := mustJSONArray(p.HIPAAControls)
	var preStateJSON *string
	if p.PreState != nil {
		encoded, err := json.Marshal(p.PreState)
		if err != nil {
			return 0, false, fmt.Errorf("marshal pre_state: %w", err)
		}
		str := string(encoded)
		preStateJSON = &str
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM incidents
		WHERE site_id = $1 AND host_id = $2 AND check_type = $3 AND status = 'open'
		FOR UPDATE
	`, p.SiteID, p.HostID, checkType).Scan(&id)

	created := false
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, `
			INSERT INTO incidents (
				site_id, host_id, incident_type, severity, check_type,
				details, pre_state, hipaa_controls
			) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb)
			RETURNING id
		`, p.SiteID, p.HostID, p.IncidentType, p.Severity, checkType,
			detailsJSON, preStateJSON, controlsJSON).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("insert incident: %w", err)
		}
		created = true
	case err != nil:
		return 0, false, fmt.Errorf("find open incident: %w", err)
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE incidents
			SET severity = $2, details = $3::jsonb, pre_state = $4::jsonb,
			    hipaa_controls = $5::jsonb
			WHERE id = $1
		`, id, p.Severity, detailsJSON, preStateJSON, controlsJSON); err != nil {
			return 0, false, fmt.Errorf("refresh incident: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return id, created, nil
}

// ResolveParams closes open incidents after a successful remediation.
type ResolveParams struct {
	SiteID         string
	HostID         string
	CheckType      string
	ResolutionTier string
	RunbookID      string
	Status         string
}

// Resolve marks the open incident for (site, host, check) with the given
// status and returns how many rows transitioned. Zero is not an error:
// resolving twice, or resolving drift that never opened an incident, is
// a no-op.
func (s *Store) Resolve(ctx context.Context, p ResolveParams) (int, error) {
	status := p.Status
	if status == "" {
		status = "resolved"
	}

	res, err := s.pool.Exec(ctx, `
		UPDATE incidents
		SET status = $4,
		    resolution_tier = NULLIF($5, ''),
		    runbook_id = NULLIF($6, ''),
		    resolved_at = $7
		WHERE site_id = $1 AND host_id = $2 AND check_type = $3 AND status = 'open'
	`, p.SiteID, p.HostID, p.CheckType, status, p.ResolutionTier, p.RunbookID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("resolve incident: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// mustJSONObject marshals m, substituting {} for nil so NOT NULL jsonb
// columns never see SQL null.
func mustJSONObject(m map[string]interface{}) string {
	if m == nil {
		return "{}"
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// mustJSONArray marshals a string slice, substituting [] for nil.
func mustJSONArray(vals []string) string {
	if vals == nil {
		return "[]"
	}
	encoded, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
