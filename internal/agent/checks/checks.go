// Package checks implements the Windows compliance probes the agent runs
// each cycle. Each probe is a plain function registered under its check
// type; the appliance decides at registration which ones are enabled and
// pushes per-check thresholds in the check_config map.
package checks

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"
)

// Result is the outcome of one compliance probe.
type Result struct {
	Type     string
	Passed   bool
	Expected string
	Actual   string
	Control  string // HIPAA control reference, empty for informational probes
	Detail   map[string]string
	Err      error
}

// Settings carries the tunable thresholds the appliance pushes down in
// RegisterResponse.check_config.
type Settings struct {
	PatchMaxAge     time.Duration
	ScreenLockMax   time.Duration
	SignatureMaxAge time.Duration
}

// DefaultSettings mirror the appliance defaults so the agent behaves
// sensibly before its first registration.
func DefaultSettings() Settings {
	return Settings{
		PatchMaxAge:     45 * 24 * time.Hour,
		ScreenLockMax:   15 * time.Minute,
		SignatureMaxAge: 7 * 24 * time.Hour,
	}
}

// ParseSettings overlays check_config values onto the defaults. Unknown
// keys are ignored; malformed values keep the default.
func ParseSettings(cfg map[string]string) Settings {
	s := DefaultSettings()
	if v, ok := cfg["patches.max_age_days"]; ok {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			s.PatchMaxAge = time.Duration(days) * 24 * time.Hour
		}
	}
	if v, ok := cfg["screenlock.max_timeout_seconds"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			s.ScreenLockMax = time.Duration(secs) * time.Second
		}
	}
	if v, ok := cfg["defender.signature_max_age_days"]; ok {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			s.SignatureMaxAge = time.Duration(days) * 24 * time.Hour
		}
	}
	return s
}

// Func probes one compliance facet of the local machine.
type Func func(ctx context.Context, s Settings) Result

// registry maps check type names, as the appliance uses them in
// enabled_checks, to their probe functions.
var registry = map[string]Func{
	"bitlocker":     CheckBitLocker,
	"defender":      CheckDefender,
	"patches":       CheckPatches,
	"firewall":      CheckFirewall,
	"screenlock":    CheckScreenLock,
	"rmm_detection": CheckRMM,
}

// Known reports whether a check type has a registered probe.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Run executes the enabled probes concurrently and returns their results
// in completion order. Names without a registered probe are skipped.
func Run(ctx context.Context, enabled []string, s Settings) []Result {
	var wg sync.WaitGroup
	out := make(chan Result, len(enabled))

	for _, name := range enabled {
		fn, ok := registry[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(fn Func) {
			defer wg.Done()
			out <- fn(ctx, s)
		}(fn)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]Result, 0, len(enabled))
	for r := range out {
		results = append(results, r)
	}
	return results
}

// Hostname returns the local hostname, or "unknown" when unavailable.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
