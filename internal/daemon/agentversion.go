package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// agentBinaryName is the filename of the Windows agent executable in the
// served agent directory. update_agent orders and DC-proxied installs
// both fetch it by this name.
const agentBinaryName = "meridian-agent.exe"

// agentManifest is the JSON document served at /agent/version. Agents
// compare Version and SHA256 against their running binary before
// downloading an update.
type agentManifest struct {
	Version   string `json:"version"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
	Filename  string `json:"filename"`
	UpdatedAt string `json:"updated_at"`
}

// agentVersionCache computes the manifest lazily and reuses it until the
// binary's mtime changes, so repeated version polls do not rehash a
// multi-megabyte file.
type agentVersionCache struct {
	agentDir string

	mu      sync.Mutex
	current *agentManifest
	mtime   time.Time
}

func newAgentVersionCache(agentDir string) *agentVersionCache {
	return &agentVersionCache{agentDir: agentDir}
}

func (c *agentVersionCache) manifest() (*agentManifest, error) {
	binPath := filepath.Join(c.agentDir, agentBinaryName)
	stat, err := os.Stat(binPath)
	if err != nil {
		return nil, fmt.Errorf("agent binary unavailable: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && stat.ModTime().Equal(c.mtime) {
		return c.current, nil
	}

	f, err := os.Open(binPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("hash agent binary: %w", err)
	}

	c.current = &agentManifest{
		Version:   sidecarVersion(c.agentDir),
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		Size:      size,
		Filename:  agentBinaryName,
		UpdatedAt: stat.ModTime().UTC().Format(time.RFC3339),
	}
	c.mtime = stat.ModTime()
	return c.current, nil
}

// sidecarVersion reads the VERSION file dropped next to the binary by
// update_agent orders. "unknown" means the binary predates the manifest.
func sidecarVersion(agentDir string) string {
	b, err := os.ReadFile(filepath.Join(agentDir, "VERSION"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

func (d *Daemon) handleAgentVersion(cache *agentVersionCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := cache.manifest()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m)
	}
}
