package backoff

import (
	"testing"
	"time"
)

func TestNextGrowsExponentially(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2.0}

	if got := b.Next(1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 mismatch: %v", got)
	}
	if got := b.Next(2); got != 200*time.Millisecond {
		t.Fatalf("attempt 2 mismatch: %v", got)
	}
	if got := b.Next(3); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 mismatch: %v", got)
	}
	if got := b.Next(10); got != time.Second {
		t.Fatalf("cap mismatch: %v", got)
	}
}

func TestNextClampsBadInputs(t *testing.T) {
	var b Backoff
	if got := b.Next(0); got <= 0 {
		t.Fatalf("zero attempt should still wait: %v", got)
	}
	if got := b.Next(100); got > 5*time.Second {
		t.Fatalf("default cap exceeded: %v", got)
	}
}

func TestJitterStaysWithinBand(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2.0, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		got := b.Next(2)
		if got < 160*time.Millisecond || got > 240*time.Millisecond {
			t.Fatalf("jitter out of band: %v", got)
		}
	}
}
