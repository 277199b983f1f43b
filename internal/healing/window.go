package healing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaintenanceWindow is a daily UTC window in which disruptive runbook steps
// may run. The window may wrap midnight ("22:00-02:00") and is
// right-exclusive: a 22:00-02:00 window contains 23:30 and 01:59 but not
// 02:00. A window whose start equals its end contains nothing, and a nil
// window also contains nothing, so disruptive work stays deferred until an
// operator configures one.
type MaintenanceWindow struct {
	start int // minutes since midnight UTC
	end   int
	raw   string
}

// ParseMaintenanceWindow parses "HH:MM-HH:MM". An empty string returns a
// nil window.
func ParseMaintenanceWindow(s string) (*MaintenanceWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("maintenance window %q: want HH:MM-HH:MM", s)
	}

	start, err := parseClock(parts[0])
	if err != nil {
		return nil, fmt.Errorf("maintenance window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return nil, fmt.Errorf("maintenance window %q: %w", s, err)
	}

	return &MaintenanceWindow{start: start, end: end, raw: s}, nil
}

func parseClock(s string) (int, error) {
	hm := strings.Split(strings.TrimSpace(s), ":")
	if len(hm) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", hm[0])
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", hm[1])
	}
	return h*60 + m, nil
}

// Contains reports whether t (converted to UTC) falls inside the window.
func (w *MaintenanceWindow) Contains(t time.Time) bool {
	if w == nil || w.start == w.end {
		return false
	}

	m := t.UTC().Hour()*60 + t.UTC().Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	// Wraps midnight.
	return m >= w.start || m < w.end
}

func (w *MaintenanceWindow) String() string {
	if w == nil {
		return "none"
	}
	return w.raw
}
