package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"dinecache/internal/backend"
	"dinecache/internal/config"
	"dinecache/internal/logging"
	"dinecache/internal/model"
)

func main() {
	var (
		count      int
		outputFile string
		toDB       bool
		configPath string
		seed       int64
	)
	flag.IntVar(&count, "count", 100, "number of restaurants to generate")
	flag.StringVar(&outputFile, "output", "restaurants.jsonl", "output file when not writing to the database")
	flag.BoolVar(&toDB, "db", false, "upsert into the configured backend database instead of a file")
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	rs := generate(count, rand.New(rand.NewSource(seed)))
	if toDB {
		err = seedDB(cfg, rs)
	} else {
		err = writeJSONL(outputFile, rs)
	}
	if err != nil {
		log.Fatalf("generation failed: %v", err)
	}
	log.WithField("count", len(rs)).Info("generated restaurants")
}

var (
	cuisines = []string{"Italian", "Thai", "Japanese", "Mexican", "Indian", "French", "Vietnamese"}
	prefixes = []string{"Golden", "Little", "Blue", "Old Town", "Corner", "Lucky"}
	suffixes = []string{"Kitchen", "Bistro", "House", "Table", "Garden", "Canteen"}
)

func generate(count int, rng *rand.Rand) []model.Restaurant {
	out := make([]model.Restaurant, 0, count)
	for i := 0; i < count; i++ {
		r := model.Restaurant{
			ID:          fmt.Sprintf("r%d", i+1),
			Name:        fmt.Sprintf("%s %s", prefixes[rng.Intn(len(prefixes))], suffixes[rng.Intn(len(suffixes))]),
			Cuisine:     cuisines[rng.Intn(len(cuisines))],
			PriceLevel:  1 + rng.Intn(4),
			ExternalRef: fmt.Sprintf("place-%06d", rng.Intn(1_000_000)),
		}
		// roughly one in ten has no coordinates and is never enriched
		if rng.Intn(10) > 0 {
			lat := 40.70 + rng.Float64()*0.1
			lng := -74.02 + rng.Float64()*0.1
			r.Latitude, r.Longitude = &lat, &lng
		}
		out = append(out, r)
	}
	return out
}

func writeJSONL(path string, rs []model.Restaurant) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	for i := range rs {
		if err := enc.Encode(&rs[i]); err != nil {
			return fmt.Errorf("encode restaurant %d: %w", i+1, err)
		}
	}
	return nil
}

func seedDB(cfg config.Config, rs []model.Restaurant) error {
	db, err := backend.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := backend.Migrate(db, cfg.DatabaseDriver); err != nil {
		return err
	}
	repo := backend.NewRepository(db, cfg.DatabaseDriver)
	ctx := context.Background()
	for _, r := range rs {
		if err := repo.UpsertRestaurant(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
