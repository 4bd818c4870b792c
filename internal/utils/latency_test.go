package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Count(); got != 100 {
		t.Fatalf("expected 100 samples, got %d", got)
	}
	p95 := tracker.Percentile(95)
	if p95 < 90*time.Millisecond || p95 > 100*time.Millisecond {
		t.Fatalf("unexpected p95: %s", p95)
	}
	p50 := tracker.Percentile(50)
	if p50 >= p95 {
		t.Fatalf("expected median below p95, got %s >= %s", p50, p95)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(10)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("expected zero percentile without samples, got %s", got)
	}
}

func TestLatencyTrackerBoundsSamples(t *testing.T) {
	tracker := NewLatencyTracker(4)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}
	if got := tracker.Count(); got != 4 {
		t.Fatalf("expected bounded sample count 4, got %d", got)
	}
	// Only the most recent samples remain, so even the minimum is high.
	if p := tracker.Percentile(1); p < 7*time.Second {
		t.Fatalf("expected oldest samples dropped, got %s", p)
	}
}

func TestLatencyTrackerClampsPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	tracker.Observe(time.Second)
	if got := tracker.Percentile(250); got != time.Second {
		t.Fatalf("expected clamp to 100th percentile, got %s", got)
	}
}
