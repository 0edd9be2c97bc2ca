package derived

import (
	"fmt"
	"sort"

	"dinecache/internal/model"
	"dinecache/internal/store"
)

type CuisineCount struct {
	Cuisine string `json:"cuisine"`
	Count   int    `json:"count"`
}

type PriceCount struct {
	PriceLevel int `json:"priceLevel"`
	Count      int `json:"count"`
}

// PreferenceScores maps cuisine to a score in (0, 1]; the strongest cuisine scores 1.
type PreferenceScores map[string]float64

const (
	likeWeight  = 2.0
	orderWeight = 1.0
)

func likedRestaurants(st *store.Store) ([]model.Restaurant, error) {
	ents, err := st.GetAll(store.LikedRestaurants)
	if err != nil {
		return nil, fmt.Errorf("load liked: %w", err)
	}
	out := make([]model.Restaurant, 0, len(ents))
	for _, e := range ents {
		var r model.Restaurant
		if err := e.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CountCuisines tallies cuisines, most frequent first, ties by name. Never nil.
func CountCuisines(rs []model.Restaurant) []CuisineCount {
	counts := map[string]int{}
	for _, r := range rs {
		if r.Cuisine == "" {
			continue
		}
		counts[r.Cuisine]++
	}
	out := make([]CuisineCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, CuisineCount{Cuisine: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Cuisine < out[j].Cuisine
	})
	return out
}

// CountPrices tallies price levels in ascending level order. Unpriced restaurants are skipped.
func CountPrices(rs []model.Restaurant) []PriceCount {
	counts := map[int]int{}
	for _, r := range rs {
		if r.PriceLevel <= 0 {
			continue
		}
		counts[r.PriceLevel]++
	}
	out := make([]PriceCount, 0, len(counts))
	for lvl, n := range counts {
		out = append(out, PriceCount{PriceLevel: lvl, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceLevel < out[j].PriceLevel })
	return out
}

// InferPreferences weighs liked restaurants and ordered-from restaurants by cuisine and
// normalizes so the top cuisine scores 1.
func InferPreferences(liked []model.Restaurant, orders []model.Order, cuisineOf func(id string) string) PreferenceScores {
	raw := map[string]float64{}
	for _, r := range liked {
		if r.Cuisine != "" {
			raw[r.Cuisine] += likeWeight
		}
	}
	for _, o := range orders {
		if c := cuisineOf(o.RestaurantID); c != "" {
			raw[c] += orderWeight
		}
	}
	var top float64
	for _, v := range raw {
		if v > top {
			top = v
		}
	}
	out := make(PreferenceScores, len(raw))
	for c, v := range raw {
		out[c] = v / top
	}
	return out
}

func inferFromStore(st *store.Store) (PreferenceScores, error) {
	liked, err := likedRestaurants(st)
	if err != nil {
		return nil, err
	}
	ents, err := st.GetAll(store.Orders)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	orders := make([]model.Order, 0, len(ents))
	for _, e := range ents {
		var o model.Order
		if err := e.Decode(&o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	known := map[string]string{}
	for _, r := range liked {
		known[r.ID] = r.Cuisine
	}
	cuisineOf := func(id string) string {
		if c, ok := known[id]; ok {
			return c
		}
		e, err := st.Get(store.Restaurants, id)
		if err != nil {
			return ""
		}
		var r model.Restaurant
		if e.Decode(&r) != nil {
			return ""
		}
		known[id] = r.Cuisine
		return r.Cuisine
	}
	return InferPreferences(liked, orders, cuisineOf), nil
}
