package daemon

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "daemon_state.json"

// PersistedState is the slice of daemon state worth carrying across
// restarts. Windows targets and their credentials never land here; the
// daemon re-fetches them from the control plane on its next checkin.
type PersistedState struct {
	LinuxTargets       []linuxTarget `json:"linux_targets,omitempty"`
	L2Mode             string        `json:"l2_mode,omitempty"`
	SubscriptionStatus string        `json:"subscription_status,omitempty"`
	SavedAt            time.Time     `json:"saved_at"`
}

func (d *Daemon) statePath() string {
	return filepath.Join(d.config.StateDir, stateFileName)
}

// saveState snapshots the restart-worthy state and writes it atomically
// (tmp + rename), so a crash mid-write leaves the previous file intact.
func (d *Daemon) saveState() {
	snap := PersistedState{SavedAt: time.Now()}

	d.linuxTargetsMu.RLock()
	snap.LinuxTargets = append(snap.LinuxTargets, d.linuxTargets...)
	d.linuxTargetsMu.RUnlock()

	d.l2ModeMu.RLock()
	snap.L2Mode = d.l2Mode
	d.l2ModeMu.RUnlock()

	d.subscriptionMu.RLock()
	snap.SubscriptionStatus = d.subscriptionStatus
	d.subscriptionMu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Printf("[daemon] Marshal state: %v", err)
		return
	}
	tmp := d.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Printf("[daemon] Write state: %v", err)
		return
	}
	if err := os.Rename(tmp, d.statePath()); err != nil {
		log.Printf("[daemon] Commit state: %v", err)
	}
}

// loadState reads the persisted snapshot; a missing file is a first boot
// and returns nil without error.
func loadState(stateDir string) (*PersistedState, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var snap PersistedState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &snap, nil
}
