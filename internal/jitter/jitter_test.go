package jitter

import (
	"context"
	"testing"
	"time"
)

func TestPick_StaysInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := Pick(2*time.Second, 4*time.Second)
		if d < 2*time.Second || d >= 4*time.Second {
			t.Fatalf("out of range: %v", d)
		}
	}
	if d := Pick(time.Second, time.Second); d != time.Second {
		t.Fatalf("degenerate range: %v", d)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}
