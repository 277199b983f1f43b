package healing

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	flapWindow    = 30 * time.Minute
	flapThreshold = 4 // pass/fail toggles within the window
)

const flapSchema = `
CREATE TABLE IF NOT EXISTS flap_suppressions (
	host             TEXT NOT NULL,
	check_type       TEXT NOT NULL,
	first_seen       TEXT NOT NULL,
	last_flap        TEXT NOT NULL,
	flap_count       INTEGER NOT NULL DEFAULT 0,
	suppressed_until TEXT NOT NULL,
	PRIMARY KEY (host, check_type)
);
`

// FlapStatus is the guard's verdict for one observation.
type FlapStatus struct {
	Suppressed  bool
	JustTripped bool // true exactly once, on the observation that trips
	Until       time.Time
}

type flapBucket struct {
	hasLast         bool
	last            bool
	firstSeen       time.Time
	toggles         []time.Time
	suppressedUntil time.Time
}

// FlapGuard suppresses remediation for checks that oscillate between pass
// and fail. Four state changes within thirty minutes silence the
// (host, check_type) bucket until the end of the UTC day; the trip itself
// escalates once so an operator sees the oscillation.
//
// Suppressions persist in SQLite so a daemon restart does not reopen a
// flapping bucket.
type FlapGuard struct {
	db      *sql.DB
	mu      sync.Mutex
	buckets map[string]*flapBucket
}

// NewFlapGuard creates the guard, creating the suppression table if needed
// and restoring suppressions that are still in effect.
func NewFlapGuard(db *sql.DB) (*FlapGuard, error) {
	if _, err := db.Exec(flapSchema); err != nil {
		return nil, fmt.Errorf("create flap_suppressions table: %w", err)
	}

	g := &FlapGuard{db: db, buckets: make(map[string]*flapBucket)}

	rows, err := db.Query(
		`SELECT host, check_type, suppressed_until FROM flap_suppressions WHERE suppressed_until > ?`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("load flap suppressions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var host, checkType, until string
		if err := rows.Scan(&host, &checkType, &until); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			continue
		}
		g.buckets[bucketKey(host, checkType)] = &flapBucket{suppressedUntil: t}
	}
	return g, rows.Err()
}

// Observe records one scan observation (pass or fail) for a bucket and
// reports whether the bucket is suppressed. Every observation counts: a
// toggle is any change from the previous state, in either direction.
func (g *FlapGuard) Observe(host, checkType string, passed bool, now time.Time) FlapStatus {
	now = now.UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	key := bucketKey(host, checkType)
	b, ok := g.buckets[key]
	if !ok {
		b = &flapBucket{firstSeen: now}
		g.buckets[key] = b
	}

	if b.suppressedUntil.After(now) {
		// Keep tracking state so the picture is current when the
		// suppression lapses, but stay silent.
		b.last, b.hasLast = passed, true
		return FlapStatus{Suppressed: true, Until: b.suppressedUntil}
	}

	toggled := b.hasLast && b.last != passed
	b.last, b.hasLast = passed, true
	if toggled {
		b.toggles = append(b.toggles, now)
	}

	// Drop toggles that fell out of the window.
	cutoff := now.Add(-flapWindow)
	kept := b.toggles[:0]
	for _, t := range b.toggles {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.toggles = kept

	if len(b.toggles) < flapThreshold {
		return FlapStatus{}
	}

	until := endOfUTCDay(now)
	count := len(b.toggles)
	b.suppressedUntil = until
	b.toggles = nil

	if err := g.persist(host, checkType, b.firstSeen, now, count, until); err != nil {
		log.Printf("[flap] Failed to persist suppression for %s/%s: %v", host, checkType, err)
	}
	log.Printf("[flap] %s/%s suppressed until %s (%d toggles in %s)",
		host, checkType, until.Format(time.RFC3339), count, flapWindow)

	return FlapStatus{Suppressed: true, JustTripped: true, Until: until}
}

// Suppressed reports whether a bucket is currently silenced, without
// recording an observation.
func (g *FlapGuard) Suppressed(host, checkType string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[bucketKey(host, checkType)]
	return ok && b.suppressedUntil.After(now.UTC())
}

// ActiveSuppressions returns the buckets silenced as of now, for the status
// endpoint.
func (g *FlapGuard) ActiveSuppressions(now time.Time) []map[string]interface{} {
	now = now.UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []map[string]interface{}
	for key, b := range g.buckets {
		if !b.suppressedUntil.After(now) {
			continue
		}
		host, checkType := splitBucketKey(key)
		out = append(out, map[string]interface{}{
			"host":             host,
			"check_type":       checkType,
			"suppressed_until": b.suppressedUntil.Format(time.RFC3339),
		})
	}
	return out
}

func (g *FlapGuard) persist(host, checkType string, firstSeen, lastFlap time.Time, count int, until time.Time) error {
	_, err := g.db.Exec(`
INSERT INTO flap_suppressions (host, check_type, first_seen, last_flap, flap_count, suppressed_until)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(host, check_type) DO UPDATE SET
	last_flap        = excluded.last_flap,
	flap_count       = flap_suppressions.flap_count + excluded.flap_count,
	suppressed_until = excluded.suppressed_until`,
		host, checkType,
		firstSeen.UTC().Format(time.RFC3339), lastFlap.UTC().Format(time.RFC3339),
		count, until.Format(time.RFC3339))
	return err
}

// endOfUTCDay returns midnight UTC of the following day, the first moment
// the bucket is live again.
func endOfUTCDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func splitBucketKey(key string) (host, checkType string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
