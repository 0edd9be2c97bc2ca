package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinecache/internal/enrich"
	"dinecache/internal/jitter"
	"dinecache/internal/logging"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

var now = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

type fakeLister struct {
	items  []model.Restaurant
	err    error
	before time.Time
	limit  int
}

func (f *fakeLister) ListStale(ctx context.Context, before time.Time, limit int) ([]model.Restaurant, error) {
	f.before, f.limit = before, limit
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

type fakeRefresher struct {
	mu    sync.Mutex
	fail  map[string]error
	panic map[string]bool
	seen  []string
	block chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context, id, ref string) (model.Record, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.seen = append(f.seen, id)
	f.mu.Unlock()
	if f.panic[id] {
		panic("boom")
	}
	if err := f.fail[id]; err != nil {
		return model.Record{}, err
	}
	return model.Record{Restaurant: model.Restaurant{ID: id}}, nil
}

func batch(n int) []model.Restaurant {
	out := make([]model.Restaurant, n)
	for i := range out {
		out[i] = model.Restaurant{ID: fmt.Sprintf("r%d", i+1)}
	}
	return out
}

func newJob(l Lister, r Refresher, d jitter.Delayer) *Job {
	return NewJob(l, r, Config{Delayer: d, Now: func() time.Time { return now }, Log: logging.Discard()}, metrics.NewRegistry())
}

func TestRun_ItemFailureDoesNotAbort(t *testing.T) {
	ref := &fakeRefresher{fail: map[string]error{"r5": errors.New("provider exploded")}}
	rec := &jitter.Recorder{}
	job := newJob(&fakeLister{items: batch(10)}, ref, rec)

	rep, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Attempted)
	assert.Equal(t, 9, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Items, 10)
	assert.False(t, rep.Items[4].OK)
	assert.Equal(t, "r5", rep.Items[4].ID)
	assert.Contains(t, rep.Items[4].Error, "provider exploded")
	assert.True(t, rep.Items[9].OK)
	assert.Len(t, ref.seen, 10)
	require.Error(t, rep.Err)

	// delays only between items
	require.Len(t, rec.Calls, 9)
	assert.Equal(t, [2]time.Duration{DefaultDelayMin, DefaultDelayMax}, rec.Calls[0])
}

func TestRun_PanicIsRecordedAsFailure(t *testing.T) {
	ref := &fakeRefresher{panic: map[string]bool{"r2": true}}
	rep, err := newJob(&fakeLister{items: batch(3)}, ref, jitter.None{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Attempted)
	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.Items[1].Error, "panic")
}

func TestRun_BatchAndThreshold(t *testing.T) {
	l := &fakeLister{items: batch(25)}
	rep, err := newJob(l, &fakeRefresher{}, jitter.None{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, l.limit)
	assert.Equal(t, now.Add(-DefaultThreshold), l.before)
	assert.Equal(t, 10, rep.Attempted)
}

func TestRun_RetryableClassification(t *testing.T) {
	ref := &fakeRefresher{fail: map[string]error{
		"r1": enrich.Classify("status", &enrich.StatusError{Code: 403}),
		"r2": enrich.Classify("status", &enrich.StatusError{Code: 503}),
	}}
	rep, err := newJob(&fakeLister{items: batch(2)}, ref, jitter.None{}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Items[0].Retryable)
	assert.True(t, rep.Items[1].Retryable)
}

func TestRun_ListFailure(t *testing.T) {
	_, err := newJob(&fakeLister{err: errors.New("db down")}, &fakeRefresher{}, jitter.None{}).Run(context.Background())
	assert.Error(t, err)
}

func TestRun_EmptyBatch(t *testing.T) {
	rep, err := newJob(&fakeLister{}, &fakeRefresher{}, jitter.None{}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
	assert.NoError(t, rep.Err)
	assert.NotNil(t, rep.Items)
}

func TestRun_CancelStopsBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := newJob(&fakeLister{items: batch(3)}, &fakeRefresher{}, jitter.None{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Attempted)
}

func TestRun_RejectsOverlap(t *testing.T) {
	ref := &fakeRefresher{block: make(chan struct{})}
	job := newJob(&fakeLister{items: batch(1)}, ref, jitter.None{})
	done := make(chan error, 1)
	go func() {
		_, err := job.Run(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return job.running.Load() }, time.Second, time.Millisecond)
	_, err := job.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	close(ref.block)
	assert.NoError(t, <-done)
}
