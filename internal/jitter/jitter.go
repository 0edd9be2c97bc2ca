// Package jitter provides pluggable randomized delays.
package jitter

import (
	"context"
	"math/rand"
	"time"
)

// Delayer waits a duration chosen in [min, max). It returns early with ctx.Err() on cancel.
type Delayer interface {
	Wait(ctx context.Context, min, max time.Duration) error
}

// Random draws uniformly and sleeps on a timer.
type Random struct{}

func (Random) Wait(ctx context.Context, min, max time.Duration) error {
	return Sleep(ctx, Pick(min, max))
}

// Pick returns a uniform duration in [min, max). When max <= min it returns min.
func Pick(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// None never waits. Tests use it to run delays deterministically.
type None struct{}

func (None) Wait(ctx context.Context, _, _ time.Duration) error { return ctx.Err() }

// Recorder records requested ranges without waiting.
type Recorder struct {
	Calls [][2]time.Duration
}

func (r *Recorder) Wait(ctx context.Context, min, max time.Duration) error {
	r.Calls = append(r.Calls, [2]time.Duration{min, max})
	return ctx.Err()
}
