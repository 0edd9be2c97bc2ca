// Package bootstrap builds the backend and client object graphs from a config.Config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"dinecache/internal/api"
	"dinecache/internal/app"
	"dinecache/internal/backend"
	"dinecache/internal/backendclient"
	"dinecache/internal/changefeed"
	"dinecache/internal/config"
	"dinecache/internal/derived"
	"dinecache/internal/enrich"
	"dinecache/internal/hydrate"
	"dinecache/internal/jitter"
	"dinecache/internal/metrics"
	"dinecache/internal/reconcile"
	"dinecache/internal/refresh"
	"dinecache/internal/store"
	"dinecache/internal/sweep"
	"dinecache/internal/syncer"
)

type closers []io.Closer

func (cs closers) Close() error {
	var merr *multierror.Error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Providers builds the optional enrichment providers that have a URL configured.
func Providers(cfg config.Config) []enrich.Provider {
	hc := &http.Client{Timeout: cfg.ProviderTimeout.Duration}
	var out []enrich.Provider
	if cfg.ReviewsURL != "" {
		out = append(out, enrich.ReviewsProvider{Endpoint: enrich.Endpoint{BaseURL: cfg.ReviewsURL, APIKey: cfg.ReviewsKey, Client: hc}})
	}
	if cfg.ReservationsURL != "" {
		out = append(out, enrich.ReservationsProvider{Endpoint: enrich.Endpoint{BaseURL: cfg.ReservationsURL, APIKey: cfg.ReservationsKey, Client: hc}})
	}
	return out
}

// Publisher selects the change feed sink: kafka, confluent, file, both (file and kafka) or none.
func Publisher(cfg config.Config, reg *metrics.Registry) (changefeed.Publisher, io.Closer, error) {
	var (
		pubs []changefeed.Publisher
		cs   closers
	)
	file := func() error {
		dir, name := filepath.Split(cfg.ChangefeedFile)
		if dir == "" {
			dir = "."
		}
		fp, err := changefeed.NewFilePublisher(dir, name)
		if err != nil {
			return fmt.Errorf("init changefeed file: %w", err)
		}
		pubs = append(pubs, fp)
		return nil
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Publisher))
	switch kind {
	case "", "none":
	case "file":
		if err := file(); err != nil {
			return nil, nil, err
		}
	case "kafka", "both":
		if cfg.KafkaBootstrap == "" {
			return nil, nil, fmt.Errorf("publisher %s needs a kafka bootstrap", kind)
		}
		if kind == "both" {
			if err := file(); err != nil {
				return nil, nil, err
			}
		}
		kp := changefeed.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.StatusTopic)
		pubs = append(pubs, kp)
		cs = append(cs, kp)
	case "confluent":
		cp, err := changefeed.NewConfluentPublisher(cfg.KafkaBootstrap, cfg.StatusTopic)
		if err != nil {
			return nil, nil, err
		}
		pubs = append(pubs, cp)
		cs = append(cs, cp)
	default:
		return nil, nil, fmt.Errorf("unknown publisher %q", cfg.Publisher)
	}

	var p changefeed.Publisher = changefeed.Nop{}
	switch len(pubs) {
	case 0:
	case 1:
		p = pubs[0]
	default:
		p = changefeed.NewMultiPublisher(pubs...)
	}
	return changefeed.Counted(p, reg), cs, nil
}

// Backend is the server side: database, refresh service, sweep and HTTP API.
type Backend struct {
	DB      *sql.DB
	Repo    *backend.Repository
	Refresh *refresh.Service
	Sweep   *sweep.Job
	Server  *api.Server
	Metrics *metrics.Registry
	closers closers
}

func (b *Backend) Close() error { return b.closers.Close() }

func NewBackend(cfg config.Config, log logrus.FieldLogger) (*Backend, error) {
	b := &Backend{Metrics: metrics.NewRegistry()}
	db, err := backend.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	b.DB = db
	b.closers = append(b.closers, db)
	if err := backend.Migrate(db, cfg.DatabaseDriver); err != nil {
		b.Close()
		return nil, err
	}
	b.Repo = backend.NewRepository(db, cfg.DatabaseDriver)

	pub, pubCloser, err := Publisher(cfg, b.Metrics)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.closers = append(b.closers, pubCloser)

	status := enrich.StatusProvider{Endpoint: enrich.Endpoint{
		BaseURL: cfg.StatusURL,
		APIKey:  cfg.StatusKey,
		Client:  &http.Client{Timeout: cfg.ProviderTimeout.Duration},
	}}
	// The backend enriches without jitter; spreading load is the sweep's job.
	pipe := enrich.NewPipeline(enrich.Config{
		ProviderTimeout: cfg.ProviderTimeout.Duration,
		Delayer:         jitter.None{},
		Log:             log,
	}, b.Metrics, Providers(cfg)...)
	b.Refresh = refresh.NewService(b.Repo, status, pipe, pub, log)

	b.Sweep = sweep.NewJob(b.Repo, b.Refresh, sweep.Config{
		Threshold: cfg.SweepThreshold.Duration,
		BatchSize: cfg.SweepBatchSize,
		DelayMin:  cfg.SweepDelayMin.Duration,
		DelayMax:  cfg.SweepDelayMax.Duration,
		Log:       log.WithField("component", "sweep"),
	}, b.Metrics)

	b.Server = api.NewServer(api.Deps{
		Records:   b.Repo,
		Refresher: b.Refresh,
		Sweeper:   b.Sweep,
		Metrics:   b.Metrics,
		JWTSecret: []byte(cfg.JWTSecret),
		Log:       log.WithField("component", "api"),
	})
	return b, nil
}

// Client is the device side: local store, backend client and the app facade.
type Client struct {
	Store    *store.Store
	Remote   *backendclient.Client
	Hub      *changefeed.Hub
	App      *app.App
	Hydrator *hydrate.Hydrator
	Sync     *syncer.Manager
	Metrics  *metrics.Registry
	closers  closers
}

func (c *Client) Close() error { return c.closers.Close() }

// RunFeed consumes pushed status updates until ctx is done. It returns at once without a feed.
func (c *Client) RunFeed(ctx context.Context) error {
	if c.Hub == nil {
		return nil
	}
	return c.Hub.Run(ctx)
}

func OpenStore(kind, dir string) (*store.Store, error) {
	var (
		be  store.Backend
		err error
	)
	switch strings.ToLower(kind) {
	case "", "pebble":
		be, err = store.OpenPebble(dir)
	case "badger":
		be, err = store.OpenBadger(dir)
	case "memory":
		be = store.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return store.New(be), nil
}

func NewClient(cfg config.Config, log logrus.FieldLogger) (*Client, error) {
	st, err := OpenStore(cfg.StoreBackend, cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	c := &Client{Store: st, Metrics: metrics.NewRegistry(), closers: closers{st}}
	c.Remote = backendclient.New(cfg.BackendURL, cfg.Token)

	var sub reconcile.Subscriber
	if cfg.KafkaBootstrap != "" {
		group := "dinecli"
		if cfg.UserID != "" {
			group += "-" + cfg.UserID
		}
		c.Hub = changefeed.NewHub(cfg.KafkaBootstrap, cfg.StatusTopic, group, log.WithField("component", "feed"))
		c.closers = append(c.closers, c.Hub)
		sub = c.Hub
	}

	rec := reconcile.New(c.Remote, sub, reconcile.Config{
		FreshFor:   cfg.FreshFor.Duration,
		CheckEvery: cfg.CheckEvery.Duration,
		Log:        log.WithField("component", "reconcile"),
	}, c.Metrics)
	pipe := enrich.NewPipeline(enrich.Config{
		JitterMax:       cfg.EnrichJitterMax.Duration,
		ProviderTimeout: cfg.ProviderTimeout.Duration,
		Log:             log.WithField("component", "enrich"),
	}, c.Metrics, Providers(cfg)...)
	der := derived.NewService(st, derived.Config{
		AggregationTTL: cfg.AggregationTTL.Duration,
		InferenceTTL:   cfg.InferenceTTL.Duration,
		Log:            log.WithField("component", "derived"),
	}, c.Metrics)
	c.Sync = syncer.NewManager(st, c.Remote, c.Metrics, log.WithField("component", "sync"))
	c.Hydrator = hydrate.New(c.Remote, st, log.WithField("component", "hydrate"))
	c.App = app.New(app.Deps{
		Store:         st,
		Remote:        c.Remote,
		Reconciler:    rec,
		Pipeline:      pipe,
		Derived:       der,
		Sync:          c.Sync,
		EnrichEnabled: len(Providers(cfg)) > 0,
		Log:           log,
	})
	return c, nil
}
