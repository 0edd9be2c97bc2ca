// Package sweep periodically re-checks a bounded batch of restaurants whose status is stale.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"dinecache/internal/enrich"
	"dinecache/internal/jitter"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

const (
	DefaultThreshold = 7 * 24 * time.Hour
	DefaultBatchSize = 10
	DefaultDelayMin  = 2 * time.Second
	DefaultDelayMax  = 4 * time.Second
)

var ErrAlreadyRunning = errors.New("sweep already running")

type Lister interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]model.Restaurant, error)
}

type Refresher interface {
	Refresh(ctx context.Context, id, externalRef string) (model.Record, error)
}

type Config struct {
	Threshold time.Duration
	BatchSize int
	DelayMin  time.Duration
	DelayMax  time.Duration
	Delayer   jitter.Delayer
	Now       func() time.Time
	Log       logrus.FieldLogger
}

type ItemResult struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Report summarizes one pass. Err aggregates the item failures.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Items     []ItemResult  `json:"items"`
	Duration  time.Duration `json:"durationNs"`
	Err       error         `json:"-"`
}

type Job struct {
	list    Lister
	refresh Refresher
	cfg     Config
	metrics *metrics.Registry
	running atomic.Bool
}

func NewJob(list Lister, refresh Refresher, cfg Config, reg *metrics.Registry) *Job {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DelayMin <= 0 && cfg.DelayMax <= 0 {
		cfg.DelayMin, cfg.DelayMax = DefaultDelayMin, DefaultDelayMax
	}
	if cfg.Delayer == nil {
		cfg.Delayer = jitter.Random{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Job{list: list, refresh: refresh, cfg: cfg, metrics: reg}
}

// Run refreshes one batch sequentially. A failed item is recorded and the pass continues.
// The returned error is for the pass itself: listing failed, ctx was cancelled, or another
// pass is running.
func (j *Job) Run(ctx context.Context) (rep Report, err error) {
	if !j.running.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	start := j.cfg.Now()
	rep = Report{StartedAt: start, Items: []ItemResult{}}
	defer func() {
		rep.Duration = j.cfg.Now().Sub(start)
		j.metrics.SweepDurationSec.Observe(rep.Duration.Seconds())
	}()

	batch, err := j.list.ListStale(ctx, start.Add(-j.cfg.Threshold), j.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list stale: %w", err)
	}
	log := j.cfg.Log.WithField("batch", len(batch))
	log.Info("sweep started")

	var merr *multierror.Error
	for i, r := range batch {
		if i > 0 {
			if err := j.cfg.Delayer.Wait(ctx, j.cfg.DelayMin, j.cfg.DelayMax); err != nil {
				rep.Err = merr.ErrorOrNil()
				return rep, err
			}
		}
		item := j.runItem(ctx, r)
		rep.Attempted++
		j.metrics.SweepAttempted.Inc()
		if item.OK {
			rep.Succeeded++
			j.metrics.SweepSucceeded.Inc()
		} else {
			rep.Failed++
			j.metrics.SweepFailed.Inc()
			merr = multierror.Append(merr, fmt.Errorf("%s: %s", r.ID, item.Error))
		}
		rep.Items = append(rep.Items, item)
	}
	rep.Err = merr.ErrorOrNil()
	log.WithFields(logrus.Fields{"succeeded": rep.Succeeded, "failed": rep.Failed}).Info("sweep finished")
	return rep, nil
}

func (j *Job) runItem(ctx context.Context, r model.Restaurant) (item ItemResult) {
	item.ID = r.ID
	defer func() {
		if rec := recover(); rec != nil {
			item.OK = false
			item.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()
	if _, err := j.refresh.Refresh(ctx, r.ID, r.ExternalRef); err != nil {
		item.Error = err.Error()
		item.Retryable = enrich.IsRetryable(err)
		j.cfg.Log.WithField("restaurant_id", r.ID).WithError(err).Warn("sweep item failed")
		return item
	}
	item.OK = true
	return item
}

// Schedule runs a pass every interval until ctx is done. Passes never overlap.
func (j *Job) Schedule(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	j.cfg.Log.WithField("interval", every).Info("sweep scheduler started")
	for {
		select {
		case <-ctx.Done():
			j.cfg.Log.Info("sweep scheduler stopped")
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.cfg.Log.WithError(err).Warn("sweep pass")
			}
		}
	}
}
