package checks

import (
	"log"
	"sync"
	"time"
)

// FlapDetector suppresses drift noise from checks that oscillate between
// pass and fail, such as a service a user keeps toggling. A check is
// flapping once its recent history shows flapThreshold or more state
// transitions; while flapping, failures produce at most one event per
// flapReportEvery so the appliance still sees the condition. The flap
// state clears after stabilizeAfter identical consecutive results.
type FlapDetector struct {
	mu             sync.Mutex
	checks         map[string]*flapState
	window         int
	flapThreshold  int
	stabilizeAfter int
	reportEvery    time.Duration
	now            func() time.Time
}

type flapState struct {
	ring     []bool // pass/fail history, ring[pos] is the next write slot
	pos      int
	filled   int
	flapping bool
	muted    int // failures suppressed during the current episode
	lastSent time.Time
}

const (
	flapWindow      = 6
	flapTransitions = 3
	flapStabilize   = 3
	flapReportEvery = 30 * time.Minute
)

// NewFlapDetector returns a detector tuned for a five-minute check cycle:
// a six-sample window covers roughly half an hour of history.
func NewFlapDetector() *FlapDetector {
	return &FlapDetector{
		checks:         make(map[string]*flapState),
		window:         flapWindow,
		flapThreshold:  flapTransitions,
		stabilizeAfter: flapStabilize,
		reportEvery:    flapReportEvery,
		now:            time.Now,
	}
}

// Observe records a check outcome and reports whether a drift event
// should be emitted. Passing results never emit; failing results emit
// unless the check is flapping and an event already went out this
// reporting interval.
func (fd *FlapDetector) Observe(checkType string, passed bool) bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	st, ok := fd.checks[checkType]
	if !ok {
		st = &flapState{ring: make([]bool, fd.window)}
		fd.checks[checkType] = st
	}

	st.ring[st.pos] = passed
	st.pos = (st.pos + 1) % fd.window
	if st.filled < fd.window {
		st.filled++
	}

	// Too little history to judge flapping.
	if st.filled < fd.stabilizeAfter {
		if !passed {
			st.lastSent = fd.now()
		}
		return !passed
	}

	if st.flapping && fd.stabilized(st) {
		st.flapping = false
		if st.muted > 0 {
			log.Printf("[flap] %s stabilized after muting %d events", checkType, st.muted)
		}
		st.muted = 0
	} else if !st.flapping && fd.transitions(st) >= fd.flapThreshold {
		st.flapping = true
		st.muted = 0
		log.Printf("[flap] %s is flapping (%d transitions in %d cycles)",
			checkType, fd.transitions(st), st.filled)
	}

	if passed {
		return false
	}
	if st.flapping {
		if st.lastSent.IsZero() || fd.now().Sub(st.lastSent) > fd.reportEvery {
			st.lastSent = fd.now()
			return true
		}
		st.muted++
		return false
	}
	st.lastSent = fd.now()
	return true
}

// Flapping reports whether a check is currently in a flap episode.
func (fd *FlapDetector) Flapping(checkType string) bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	st, ok := fd.checks[checkType]
	return ok && st.flapping
}

// transitions counts state changes across the stored history, oldest to
// newest.
func (fd *FlapDetector) transitions(st *flapState) int {
	oldest := 0
	if st.filled == fd.window {
		oldest = st.pos
	}
	n := 0
	prev := st.ring[oldest]
	for i := 1; i < st.filled; i++ {
		cur := st.ring[(oldest+i)%fd.window]
		if cur != prev {
			n++
		}
		prev = cur
	}
	return n
}

// stabilized reports whether the newest stabilizeAfter results agree.
func (fd *FlapDetector) stabilized(st *flapState) bool {
	if st.filled < fd.stabilizeAfter {
		return false
	}
	newest := (st.pos - 1 + fd.window) % fd.window
	want := st.ring[newest]
	for i := 1; i < fd.stabilizeAfter; i++ {
		if st.ring[(newest-i+fd.window)%fd.window] != want {
			return false
		}
	}
	return true
}
