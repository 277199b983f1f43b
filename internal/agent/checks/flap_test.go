package checks

import (
	"testing"
	"time"
)

func TestFlapDetectorPassesNeverEmit(t *testing.T) {
	fd := NewFlapDetector()
	for i := 0; i < 10; i++ {
		if fd.Observe("firewall", true) {
			t.Fatalf("pass %d emitted an event", i)
		}
	}
}

func TestFlapDetectorSteadyFailuresEmit(t *testing.T) {
	fd := NewFlapDetector()
	clock := time.Now()
	fd.now = func() time.Time { return clock }

	for i := 0; i < 6; i++ {
		clock = clock.Add(5 * time.Minute)
		if !fd.Observe("bitlocker", false) {
			t.Fatalf("steady failure %d was suppressed", i)
		}
	}
	if fd.Flapping("bitlocker") {
		t.Error("steady failures marked as flapping")
	}
}

func TestFlapDetectorSuppressesOscillation(t *testing.T) {
	fd := NewFlapDetector()
	clock := time.Now()
	fd.now = func() time.Time { return clock }
	tick := func(passed bool) bool {
		clock = clock.Add(5 * time.Minute)
		return fd.Observe("defender", passed)
	}

	// Alternate until the detector flags the check as flapping.
	tick(false)
	tick(true)
	tick(false)
	tick(true) // third transition
	if !fd.Flapping("defender") {
		t.Fatal("oscillating check not marked flapping")
	}
	if tick(false) {
		t.Error("failure during flap episode was not suppressed")
	}

	// The periodic report still goes out once the interval elapses.
	clock = clock.Add(31 * time.Minute)
	if !fd.Observe("defender", false) {
		t.Error("periodic flap report was suppressed")
	}
}

func TestFlapDetectorStabilizes(t *testing.T) {
	fd := NewFlapDetector()
	clock := time.Now()
	fd.now = func() time.Time { return clock }
	tick := func(passed bool) bool {
		clock = clock.Add(5 * time.Minute)
		return fd.Observe("screenlock", passed)
	}

	tick(false)
	tick(true)
	tick(false)
	tick(true)
	if !fd.Flapping("screenlock") {
		t.Fatal("precondition: check should be flapping")
	}

	tick(true)
	tick(true)
	if fd.Flapping("screenlock") {
		t.Error("three identical results did not clear the flap state")
	}
}

func TestFlapDetectorTracksChecksIndependently(t *testing.T) {
	fd := NewFlapDetector()
	clock := time.Now()
	fd.now = func() time.Time { return clock }

	for _, passed := range []bool{false, true, false, true} {
		clock = clock.Add(5 * time.Minute)
		fd.Observe("defender", passed)
	}
	if !fd.Flapping("defender") {
		t.Fatal("defender should be flapping")
	}

	clock = clock.Add(5 * time.Minute)
	if !fd.Observe("firewall", false) {
		t.Error("independent check suppressed by another check's flap state")
	}
}
