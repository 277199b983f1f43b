package healing

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newFlapDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "healing.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFlapGuardTripsAfterFourToggles(t *testing.T) {
	g, err := NewFlapGuard(newFlapDB(t))
	if err != nil {
		t.Fatalf("NewFlapGuard: %v", err)
	}

	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	seq := []bool{false, true, false, true} // first obs, then 3 toggles

	for i, passed := range seq {
		st := g.Observe("ws01", "firewall_status", passed, now.Add(time.Duration(i)*time.Minute))
		if st.Suppressed || st.JustTripped {
			t.Fatalf("observation %d must not trip yet: %+v", i, st)
		}
	}

	// Fourth toggle trips.
	st := g.Observe("ws01", "firewall_status", false, now.Add(4*time.Minute))
	if !st.JustTripped || !st.Suppressed {
		t.Fatalf("expected trip on fourth toggle, got %+v", st)
	}
	want := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	if !st.Until.Equal(want) {
		t.Fatalf("expected suppression until %s, got %s", want, st.Until)
	}

	// Subsequent observations are silenced, and JustTripped fires once.
	st = g.Observe("ws01", "firewall_status", true, now.Add(5*time.Minute))
	if !st.Suppressed || st.JustTripped {
		t.Fatalf("expected silent suppression, got %+v", st)
	}
}

func TestFlapGuardSteadyStateNeverTrips(t *testing.T) {
	g, err := NewFlapGuard(newFlapDB(t))
	if err != nil {
		t.Fatalf("NewFlapGuard: %v", err)
	}

	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		st := g.Observe("ws02", "windows_defender", false, now.Add(time.Duration(i)*time.Minute))
		if st.Suppressed || st.JustTripped {
			t.Fatalf("steady failures are not flapping, got %+v at obs %d", st, i)
		}
	}
}

func TestFlapGuardWindowExpiresToggles(t *testing.T) {
	g, err := NewFlapGuard(newFlapDB(t))
	if err != nil {
		t.Fatalf("NewFlapGuard: %v", err)
	}

	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	// Three toggles in the first few minutes.
	g.Observe("ws03", "audit_logging", false, now)
	g.Observe("ws03", "audit_logging", true, now.Add(1*time.Minute))
	g.Observe("ws03", "audit_logging", false, now.Add(2*time.Minute))
	g.Observe("ws03", "audit_logging", true, now.Add(3*time.Minute))

	// 40 minutes later the early toggles have aged out, so this fourth
	// toggle lands in a nearly empty window.
	st := g.Observe("ws03", "audit_logging", false, now.Add(43*time.Minute))
	if st.Suppressed || st.JustTripped {
		t.Fatalf("aged-out toggles must not count, got %+v", st)
	}
}

func TestFlapGuardPersistsAcrossRestart(t *testing.T) {
	db := newFlapDB(t)
	g, err := NewFlapGuard(db)
	if err != nil {
		t.Fatalf("NewFlapGuard: %v", err)
	}

	now := time.Now().UTC()
	g.Observe("ws04", "smb_signing", false, now)
	g.Observe("ws04", "smb_signing", true, now.Add(1*time.Second))
	g.Observe("ws04", "smb_signing", false, now.Add(2*time.Second))
	g.Observe("ws04", "smb_signing", true, now.Add(3*time.Second))
	st := g.Observe("ws04", "smb_signing", false, now.Add(4*time.Second))
	if !st.JustTripped {
		t.Fatalf("expected trip, got %+v", st)
	}

	// A new guard over the same database restores the suppression.
	g2, err := NewFlapGuard(db)
	if err != nil {
		t.Fatalf("NewFlapGuard restart: %v", err)
	}
	if !g2.Suppressed("ws04", "smb_signing", now.Add(5*time.Second)) {
		t.Fatal("expected suppression to survive restart")
	}
	if g2.Suppressed("ws04", "other_check", now) {
		t.Fatal("unrelated bucket must not be suppressed")
	}
}

func TestFlapGuardSuppressionLapses(t *testing.T) {
	g, err := NewFlapGuard(newFlapDB(t))
	if err != nil {
		t.Fatalf("NewFlapGuard: %v", err)
	}

	now := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	g.Observe("ws05", "dns_config", false, now)
	g.Observe("ws05", "dns_config", true, now.Add(1*time.Minute))
	g.Observe("ws05", "dns_config", false, now.Add(2*time.Minute))
	g.Observe("ws05", "dns_config", true, now.Add(3*time.Minute))
	st := g.Observe("ws05", "dns_config", false, now.Add(4*time.Minute))
	if !st.JustTripped {
		t.Fatalf("expected trip, got %+v", st)
	}

	// Midnight UTC passes; the bucket is live again.
	nextDay := time.Date(2026, 8, 26, 0, 1, 0, 0, time.UTC)
	st = g.Observe("ws05", "dns_config", false, nextDay)
	if st.Suppressed {
		t.Fatalf("expected suppression to lapse at midnight UTC, got %+v", st)
	}
}

func TestFlapGuardActiveSuppressions(t *testing.T) {
	g, err := NewFlapGuard(newFlapDB(t))
	if err != nil {
		t.Fatalf("NewFlapGuard: %v", err)
	}

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if got := g.ActiveSuppressions(now); len(got) != 0 {
		t.Fatalf("expected no suppressions, got %v", got)
	}

	g.Observe("ws06", "screen_lock_policy", false, now)
	g.Observe("ws06", "screen_lock_policy", true, now.Add(1*time.Minute))
	g.Observe("ws06", "screen_lock_policy", false, now.Add(2*time.Minute))
	g.Observe("ws06", "screen_lock_policy", true, now.Add(3*time.Minute))
	g.Observe("ws06", "screen_lock_policy", false, now.Add(4*time.Minute))

	active := g.ActiveSuppressions(now.Add(5 * time.Minute))
	if len(active) != 1 {
		t.Fatalf("expected 1 suppression, got %d", len(active))
	}
	if active[0]["host"] != "ws06" || active[0]["check_type"] != "screen_lock_policy" {
		t.Fatalf("unexpected suppression entry: %v", active[0])
	}
}

func TestEndOfUTCDay(t *testing.T) {
	in := time.Date(2026, 8, 25, 13, 45, 12, 0, time.UTC)
	want := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	if got := endOfUTCDay(in); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	// Month rollover.
	in = time.Date(2026, 8, 31, 23, 59, 59, 0, time.UTC)
	want = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if got := endOfUTCDay(in); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSplitBucketKey(t *testing.T) {
	host, check := splitBucketKey(bucketKey("dc01.clinic.local", "firewall_status"))
	if host != "dc01.clinic.local" || check != "firewall_status" {
		t.Fatalf("round trip failed: %s / %s", host, check)
	}
}
