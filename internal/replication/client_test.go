package replication

import (
	"testing"
	"time"
)

func TestJitter_StaysWithinTwentyPercent(t *testing.T) {
	base := 100 * time.Millisecond
	lo := base - base/5
	hi := base + base/5
	for i := 0; i < 200; i++ {
		d := jitter(base)
		if d < lo || d > hi {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", base, d, lo, hi)
		}
	}
}

func TestJitter_ZeroStaysZero(t *testing.T) {
	if d := jitter(0); d != 0 {
		t.Fatalf("jitter(0) = %v, want 0", d)
	}
}
