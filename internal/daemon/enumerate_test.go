package daemon

import (
	"context"
	"testing"

	"github.com/meridianmsp/fleet/internal/discovery"
)

func TestReachableWorkstationsFilter(t *testing.T) {
	result := &discovery.EnumerationResult{
		Reachable: []discovery.ADComputer{
			{Hostname: "WS01", IsWorkstation: true, Enabled: true},
			{Hostname: "WS02", IsWorkstation: true, Enabled: false},
			{Hostname: "FS01", IsServer: true, Enabled: true},
			{Hostname: "DC01", IsDomainController: true, Enabled: true},
			{Hostname: "WS03", IsWorkstation: true, Enabled: true},
		},
	}

	hosts := reachableWorkstations(result)
	if len(hosts) != 2 {
		t.Fatalf("expected 2 workstations, got %d: %v", len(hosts), hosts)
	}
	if hosts[0] != "WS01" || hosts[1] != "WS03" {
		t.Errorf("unexpected hosts: %v", hosts)
	}
}

func TestEnumeratorWorkstationsSnapshot(t *testing.T) {
	e := newADEnumerator(nil)
	if got := e.workstations(); len(got) != 0 {
		t.Fatalf("fresh enumerator should have no workstations, got %v", got)
	}

	e.mu.Lock()
	e.reachable = []string{"WS01", "WS02"}
	e.mu.Unlock()

	hosts := e.workstations()
	hosts[0] = "mutated"
	if again := e.workstations(); again[0] != "WS01" {
		t.Error("workstations() must return a copy, not the internal slice")
	}
}

func TestEnumeratorSkipsWithoutDCConfig(t *testing.T) {
	d := &Daemon{config: &Config{}}
	e := newADEnumerator(d)

	// No DC credentials configured: must return without touching WinRM
	// (a nil executor would panic if it tried).
	e.runOnce(context.Background())
	if got := e.workstations(); len(got) != 0 {
		t.Errorf("enumeration without a DC should yield nothing, got %v", got)
	}
}

func TestEscapePSString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"O'Brien", "O''Brien"},
		{"'; Remove-Item C:\\ '", "''; Remove-Item C:\\ ''"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapePSString(tt.in); got != tt.want {
			t.Errorf("escapePSString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
