package system

import (
	"testing"
	"time"
)

func TestRNGJitterBounded(t *testing.T) {
	t.Parallel()

	r := NewRNG()
	for i := 0; i < 200; i++ {
		got := r.Jitter(100 * time.Millisecond)
		if got < 0 || got >= 100*time.Millisecond {
			t.Fatalf("jitter out of bounds: %v", got)
		}
	}
}

func TestRNGJitterZeroLimit(t *testing.T) {
	t.Parallel()

	r := NewRNG()
	if got := r.Jitter(0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := r.Jitter(-time.Second); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestRNGJitterRangeBounded(t *testing.T) {
	t.Parallel()

	r := NewRNG()
	base := 600 * time.Second
	for i := 0; i < 200; i++ {
		got := r.JitterRange(base, -0.1, 0.1)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		if got < lo || got > hi {
			t.Fatalf("jitter range out of bounds: %v not in [%v, %v]", got, lo, hi)
		}
	}
}
