package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Derived-data cache, labelled by kind.
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheComputes *prometheus.CounterVec
	CacheFailures *prometheus.CounterVec

	// Status reconciler
	StatusApplied   prometheus.Counter
	StatusIgnored   prometheus.Counter
	RefreshStarted  prometheus.Counter
	RefreshFailed   prometheus.Counter
	RefreshInFlight prometheus.Counter

	// Enrichment, labelled by provider.
	ProviderFailures *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Stale sweep
	SweepAttempted   prometheus.Counter
	SweepSucceeded   prometheus.Counter
	SweepFailed      prometheus.Counter
	SweepDurationSec prometheus.Histogram

	// Outbox sync
	SyncPushed    prometheus.Counter
	SyncFailed    prometheus.Counter
	SyncConflicts prometheus.Counter

	ChangefeedPublished prometheus.Counter
	ChangefeedFailed    prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	kind := []string{"kind"}
	provider := []string{"provider"}

	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dinecache_derived_hits_total"}, kind)
	cacheMisses := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dinecache_derived_misses_total"}, kind)
	cacheComputes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dinecache_derived_computes_total"}, kind)
	cacheFailures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dinecache_derived_compute_failures_total"}, kind)

	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_status_applied_total"})
	ignored := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_status_ignored_total"})
	refreshStarted := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_refresh_started_total"})
	refreshFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_refresh_failed_total"})
	refreshInFlight := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_refresh_deduplicated_total"})

	providerFailures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dinecache_provider_failures_total"}, provider)
	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dinecache_provider_latency_seconds",
		Buckets: prometheus.DefBuckets,
	}, provider)

	sweepAttempted := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_sweep_attempted_total"})
	sweepSucceeded := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_sweep_succeeded_total"})
	sweepFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_sweep_failed_total"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dinecache_sweep_duration_seconds",
		Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 120},
	})

	syncPushed := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_sync_pushed_total"})
	syncFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_sync_failed_total"})
	syncConflicts := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_sync_conflicts_total"})

	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_changefeed_published_total"})
	publishFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "dinecache_changefeed_failed_total"})

	r.MustRegister(
		cacheHits, cacheMisses, cacheComputes, cacheFailures,
		applied, ignored, refreshStarted, refreshFailed, refreshInFlight,
		providerFailures, providerLatency,
		sweepAttempted, sweepSucceeded, sweepFailed, sweepDuration,
		syncPushed, syncFailed, syncConflicts,
		published, publishFailed,
	)
	return &Registry{
		reg:                 r,
		CacheHits:           cacheHits,
		CacheMisses:         cacheMisses,
		CacheComputes:       cacheComputes,
		CacheFailures:       cacheFailures,
		StatusApplied:       applied,
		StatusIgnored:       ignored,
		RefreshStarted:      refreshStarted,
		RefreshFailed:       refreshFailed,
		RefreshInFlight:     refreshInFlight,
		ProviderFailures:    providerFailures,
		ProviderLatency:     providerLatency,
		SweepAttempted:      sweepAttempted,
		SweepSucceeded:      sweepSucceeded,
		SweepFailed:         sweepFailed,
		SweepDurationSec:    sweepDuration,
		SyncPushed:          syncPushed,
		SyncFailed:          syncFailed,
		SyncConflicts:       syncConflicts,
		ChangefeedPublished: published,
		ChangefeedFailed:    publishFailed,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
