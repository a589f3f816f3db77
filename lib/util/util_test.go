package util

import (
	"math"
	"testing"
	"time"
)

func TestHashString(t *testing.T) {
	if HashString("a", 0) != HashString("a", 0) {
		t.Fatal("hash must be deterministic")
	}
	if HashString("a", 0) == HashString("a", 1) {
		t.Error("seed must change the hash")
	}
	if HashString("0/300", 7) == HashString("1/300", 7) {
		t.Error("different inputs should not collide")
	}
}

func TestNewStats(t *testing.T) {
	s := NewStats([]float64{4, 1, 3, 2})
	if s.Min != 1 || s.Max != 4 {
		t.Errorf("Expected min 1 and max 4, got %v and %v", s.Min, s.Max)
	}
	if s.Mean != 2.5 {
		t.Errorf("Expected mean 2.5, got %v", s.Mean)
	}
	if math.Abs(s.StdDeviation-math.Sqrt(1.25)) > 1e-9 {
		t.Errorf("Unexpected standard deviation %v", s.StdDeviation)
	}
	if s.P50 != 2 || s.P99 != 4 {
		t.Errorf("Expected p50 2 and p99 4, got %v and %v", s.P50, s.P99)
	}

	if (NewStats(nil) != Stats{}) {
		t.Error("Expected zero stats for no samples")
	}
}

func TestNewDurationStats(t *testing.T) {
	s := NewDurationStats([]time.Duration{time.Millisecond, 3 * time.Millisecond})
	if s.Mean != 2000 {
		t.Errorf("Expected mean of 2000us, got %v", s.Mean)
	}
}
