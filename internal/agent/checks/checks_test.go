package checks

import (
	"context"
	"testing"
	"time"
)

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]string
		want Settings
	}{
		{
			name: "empty config keeps defaults",
			cfg:  nil,
			want: DefaultSettings(),
		},
		{
			name: "appliance overrides",
			cfg: map[string]string{
				"patches.max_age_days":           "30",
				"screenlock.max_timeout_seconds": "900",
			},
			want: Settings{
				PatchMaxAge:     30 * 24 * time.Hour,
				ScreenLockMax:   900 * time.Second,
				SignatureMaxAge: DefaultSettings().SignatureMaxAge,
			},
		},
		{
			name: "malformed values keep defaults",
			cfg: map[string]string{
				"patches.max_age_days":           "soon",
				"screenlock.max_timeout_seconds": "-5",
			},
			want: DefaultSettings(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseSettings(tt.cfg); got != tt.want {
				t.Errorf("ParseSettings = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestKnown(t *testing.T) {
	for _, name := range []string{"bitlocker", "defender", "patches", "firewall", "screenlock", "rmm_detection"} {
		if !Known(name) {
			t.Errorf("Known(%q) = false", name)
		}
	}
	if Known("crowdstrike") {
		t.Error("Known accepted an unregistered check")
	}
}

func TestRunSkipsUnknownChecks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := Run(ctx, []string{"rmm_detection", "not_a_check"}, DefaultSettings())
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Type != "rmm_detection" {
		t.Errorf("result type = %q", results[0].Type)
	}
}

func TestParseDMTF(t *testing.T) {
	got, err := parseDMTF("20260815123045.000000+000")
	if err != nil {
		t.Fatalf("parseDMTF: %v", err)
	}
	want := time.Date(2026, 8, 15, 12, 30, 45, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseDMTF = %v, want %v", got, want)
	}

	if _, err := parseDMTF("2026"); err == nil {
		t.Error("parseDMTF accepted a truncated value")
	}
}

func TestParseHotfixDate(t *testing.T) {
	for _, v := range []string{"8/3/2026", "08/03/2026", "2026-08-03"} {
		if _, err := parseHotfixDate(v); err != nil {
			t.Errorf("parseHotfixDate(%q): %v", v, err)
		}
	}
	if _, err := parseHotfixDate("last tuesday"); err == nil {
		t.Error("parseHotfixDate accepted garbage")
	}
}

func TestDetailKey(t *testing.T) {
	if got := detailKey("N-able N-central"); got != "n_able_n_central" {
		t.Errorf("detailKey = %q", got)
	}
}
