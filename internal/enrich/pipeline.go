// Package enrich fetches optional provider data for a restaurant and merges it under
// per-provider groups.
package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dinecache/internal/jitter"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

const (
	DefaultJitterMax       = time.Second
	DefaultProviderTimeout = 10 * time.Second
)

// Contribution is one provider's data. It only touches its own group.
type Contribution interface {
	MergeInto(dst *model.EnrichedRestaurant)
}

type Provider interface {
	Name() string
	Fetch(ctx context.Context, r model.Restaurant) (Contribution, error)
}

type Config struct {
	JitterMax       time.Duration
	ProviderTimeout time.Duration
	Delayer         jitter.Delayer
	Log             logrus.FieldLogger
}

// Result is the merged restaurant plus UI feedback. Available reports, per provider, whether
// its group was filled. Err aggregates provider failures and is informational only.
type Result struct {
	Restaurant model.EnrichedRestaurant `json:"restaurant"`
	Available  map[string]bool          `json:"available"`
	Loading    bool                     `json:"loading"`
	Err        error                    `json:"-"`
}

type Pipeline struct {
	providers []Provider
	cfg       Config
	metrics   *metrics.Registry
}

func NewPipeline(cfg Config, reg *metrics.Registry, providers ...Provider) *Pipeline {
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.Delayer == nil {
		cfg.Delayer = jitter.Random{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Pipeline{providers: providers, cfg: cfg, metrics: reg}
}

// Providers lists provider names in registration order.
func (p *Pipeline) Providers() []string {
	out := make([]string, len(p.providers))
	for i, pr := range p.providers {
		out[i] = pr.Name()
	}
	return out
}

// Run enriches r when enabled and r has coordinates; otherwise it returns r unchanged.
// It never fails as a whole: a failed provider leaves its group nil. When ctx ends first,
// Err is ctx's error rather than the per-provider failures it caused.
func (p *Pipeline) Run(ctx context.Context, r model.Restaurant, enabled bool) Result {
	res := Result{
		Restaurant: model.EnrichedRestaurant{Restaurant: r},
		Available:  make(map[string]bool, len(p.providers)),
	}
	if !enabled || !r.HasCoordinates() || len(p.providers) == 0 {
		return res
	}
	if err := p.cfg.Delayer.Wait(ctx, 0, p.cfg.JitterMax); err != nil {
		res.Err = err
		return res
	}

	contribs := make([]Contribution, len(p.providers))
	errs := make([]error, len(p.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, prov := range p.providers {
		i, prov := i, prov
		g.Go(func() error {
			contribs[i], errs[i] = p.fetch(gctx, prov, r)
			// A provider failure stays isolated; only the caller giving up stops the group.
			return ctx.Err()
		})
	}
	cancelled := g.Wait()

	var merr *multierror.Error
	for i, prov := range p.providers {
		name := prov.Name()
		switch {
		case errs[i] != nil:
			merr = multierror.Append(merr, errs[i])
			res.Available[name] = false
		case contribs[i] == nil:
			res.Available[name] = false
		default:
			contribs[i].MergeInto(&res.Restaurant)
			res.Available[name] = true
		}
	}
	res.Err = merr.ErrorOrNil()
	if cancelled != nil {
		res.Err = cancelled
	}
	return res
}

func (p *Pipeline) fetch(ctx context.Context, prov Provider, r model.Restaurant) (c Contribution, err error) {
	name := prov.Name()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			c = nil
			err = &ProviderError{Provider: name, Err: fmt.Errorf("panic: %v", rec)}
		}
		p.metrics.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.ProviderFailures.WithLabelValues(name).Inc()
			p.cfg.Log.WithFields(logrus.Fields{
				"provider":      name,
				"restaurant_id": r.ID,
				"retryable":     IsRetryable(err),
			}).WithError(err).Warn("enrichment provider failed")
		}
	}()
	c, err = prov.Fetch(ctx, r)
	return c, Classify(name, err)
}
