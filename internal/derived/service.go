package derived

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dinecache/internal/metrics"
	"dinecache/internal/store"
)

type Kind string

const (
	KindFavoriteCuisines    Kind = "favorite_cuisines"
	KindFavoritePrices      Kind = "favorite_prices"
	KindInferredPreferences Kind = "inferred_preferences"
)

const (
	DefaultAggregationTTL = 2 * time.Minute
	DefaultInferenceTTL   = 5 * time.Minute
)

type Config struct {
	AggregationTTL time.Duration
	InferenceTTL   time.Duration
	Now            func() time.Time
	Log            logrus.FieldLogger
}

// Service owns one cache per kind. It is built by the composition root.
type Service struct {
	Cuisines    *Cache[[]CuisineCount]
	Prices      *Cache[[]PriceCount]
	Preferences *Cache[PreferenceScores]
}

func NewService(st *store.Store, cfg Config, reg *metrics.Registry) *Service {
	if cfg.AggregationTTL <= 0 {
		cfg.AggregationTTL = DefaultAggregationTTL
	}
	if cfg.InferenceTTL <= 0 {
		cfg.InferenceTTL = DefaultInferenceTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	cuisines := NewCache(string(KindFavoriteCuisines), cfg.AggregationTTL,
		func(ctx context.Context) ([]CuisineCount, error) {
			liked, err := likedRestaurants(st)
			if err != nil {
				return nil, err
			}
			return CountCuisines(liked), nil
		}, reg,
		WithEmpty(func() []CuisineCount { return []CuisineCount{} }),
		WithNow[[]CuisineCount](cfg.Now),
		WithLogger[[]CuisineCount](cfg.Log),
	)
	prices := NewCache(string(KindFavoritePrices), cfg.AggregationTTL,
		func(ctx context.Context) ([]PriceCount, error) {
			liked, err := likedRestaurants(st)
			if err != nil {
				return nil, err
			}
			return CountPrices(liked), nil
		}, reg,
		WithEmpty(func() []PriceCount { return []PriceCount{} }),
		WithNow[[]PriceCount](cfg.Now),
		WithLogger[[]PriceCount](cfg.Log),
	)
	prefs := NewCache(string(KindInferredPreferences), cfg.InferenceTTL,
		func(ctx context.Context) (PreferenceScores, error) {
			return inferFromStore(st)
		}, reg,
		WithEmpty(func() PreferenceScores { return PreferenceScores{} }),
		WithNow[PreferenceScores](cfg.Now),
		WithLogger[PreferenceScores](cfg.Log),
	)
	return &Service{Cuisines: cuisines, Prices: prices, Preferences: prefs}
}

// Invalidate drops the given kinds, or every kind when none are named.
func (s *Service) Invalidate(kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = []Kind{KindFavoriteCuisines, KindFavoritePrices, KindInferredPreferences}
	}
	for _, k := range kinds {
		switch k {
		case KindFavoriteCuisines:
			s.Cuisines.Invalidate()
		case KindFavoritePrices:
			s.Prices.Invalidate()
		case KindInferredPreferences:
			s.Preferences.Invalidate()
		}
	}
}
