// Package refresh re-checks one restaurant against its providers and records the result.
package refresh

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dinecache/internal/changefeed"
	"dinecache/internal/enrich"
	"dinecache/internal/model"
)

type Store interface {
	Get(ctx context.Context, id string) (model.Record, error)
	UpsertRestaurant(ctx context.Context, r model.Restaurant) error
	SaveStatus(ctx context.Context, id string, st model.RestaurantStatus) (bool, error)
	SaveEnrichment(ctx context.Context, id string, e model.EnrichedRestaurant) error
}

type StatusFetcher interface {
	FetchStatus(ctx context.Context, r model.Restaurant) (model.RestaurantStatus, error)
}

// Service refreshes status (required) and enrichment (best effort), then publishes the
// status when it advanced.
type Service struct {
	store  Store
	status StatusFetcher
	enrich *enrich.Pipeline
	pub    changefeed.Publisher
	log    logrus.FieldLogger
}

// NewService wires a refresher. pipeline and pub may be nil.
func NewService(store Store, status StatusFetcher, pipeline *enrich.Pipeline, pub changefeed.Publisher, log logrus.FieldLogger) *Service {
	if pub == nil {
		pub = changefeed.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, status: status, enrich: pipeline, pub: pub, log: log}
}

// Refresh re-checks id. A non-empty externalRef replaces the stored provider reference.
// A status failure fails the refresh; enrichment failures are only logged.
func (s *Service) Refresh(ctx context.Context, id, externalRef string) (model.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	log := s.log.WithField("restaurant_id", id)
	r := rec.Restaurant
	if externalRef != "" && externalRef != r.ExternalRef {
		r.ExternalRef = externalRef
		if err := s.store.UpsertRestaurant(ctx, r); err != nil {
			return model.Record{}, err
		}
	}

	st, err := s.status.FetchStatus(ctx, r)
	if err != nil {
		return model.Record{}, fmt.Errorf("refresh %s: %w", id, enrich.Classify("status", err))
	}
	applied, err := s.store.SaveStatus(ctx, id, st)
	if err != nil {
		return model.Record{}, fmt.Errorf("refresh %s: %w", id, err)
	}

	if s.enrich != nil {
		res := s.enrich.Run(ctx, r, true)
		if res.Err != nil {
			log.WithError(res.Err).Info("partial enrichment")
		}
		if res.Restaurant.Reviews != nil || res.Restaurant.Reservations != nil {
			if err := s.store.SaveEnrichment(ctx, id, res.Restaurant); err != nil {
				return model.Record{}, fmt.Errorf("refresh %s: %w", id, err)
			}
		}
	}

	if applied {
		if err := s.pub.Publish(ctx, model.StatusUpdate{RestaurantID: id, Status: st}); err != nil {
			log.WithError(err).Warn("publish status change")
		}
	} else {
		log.Debug("provider status not newer than held")
	}
	return s.store.Get(ctx, id)
}
