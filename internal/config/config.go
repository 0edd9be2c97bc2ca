package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration that reads "15m"-style strings from YAML/JSON.
type Duration struct{ time.Duration }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

// Config holds settings for every binary. Unused sections are ignored by each binary.
type Config struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	// Backend
	HTTPAddr       string `json:"httpAddr"`
	DatabaseDriver string `json:"databaseDriver"` // postgres|sqlite3
	DatabaseURL    string `json:"databaseURL"`
	JWTSecret      string `json:"jwtSecret"`

	// Change feed
	KafkaBootstrap string `json:"kafkaBootstrap"`
	StatusTopic    string `json:"statusTopic"`
	Publisher      string `json:"publisher"` // kafka|confluent|file|none
	ChangefeedFile string `json:"changefeedFile"`

	// Providers
	StatusURL       string   `json:"statusURL"`
	StatusKey       string   `json:"statusKey"`
	ReviewsURL      string   `json:"reviewsURL"`
	ReviewsKey      string   `json:"reviewsKey"`
	ReservationsURL string   `json:"reservationsURL"`
	ReservationsKey string   `json:"reservationsKey"`
	ProviderTimeout Duration `json:"providerTimeout"`

	// Stale sweep
	SweepInterval  Duration `json:"sweepInterval"`
	SweepThreshold Duration `json:"sweepThreshold"`
	SweepBatchSize int      `json:"sweepBatchSize"`
	SweepDelayMin  Duration `json:"sweepDelayMin"`
	SweepDelayMax  Duration `json:"sweepDelayMax"`

	// Client
	StoreDir        string   `json:"storeDir"`
	StoreBackend    string   `json:"storeBackend"` // pebble|badger|memory
	BackendURL      string   `json:"backendURL"`
	Token           string   `json:"token"`
	UserID          string   `json:"userId"`
	FreshFor        Duration `json:"freshFor"`
	CheckEvery      Duration `json:"checkEvery"`
	AggregationTTL  Duration `json:"aggregationTTL"`
	InferenceTTL    Duration `json:"inferenceTTL"`
	EnrichJitterMax Duration `json:"enrichJitterMax"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		HTTPAddr:        ":8080",
		DatabaseDriver:  "postgres",
		DatabaseURL:     "postgres://localhost:5432/dinecache?sslmode=disable",
		StatusTopic:     "restaurant.status",
		Publisher:       "none",
		ChangefeedFile:  "./changefeed/status.jsonl",
		ProviderTimeout: Duration{5 * time.Second},
		SweepInterval:   Duration{time.Hour},
		SweepThreshold:  Duration{7 * 24 * time.Hour},
		SweepBatchSize:  10,
		SweepDelayMin:   Duration{2 * time.Second},
		SweepDelayMax:   Duration{4 * time.Second},
		StoreDir:        "./data/local",
		StoreBackend:    "pebble",
		BackendURL:      "http://localhost:8080",
		FreshFor:        Duration{15 * time.Minute},
		CheckEvery:      Duration{5 * time.Minute},
		AggregationTTL:  Duration{2 * time.Minute},
		InferenceTTL:    Duration{5 * time.Minute},
		EnrichJitterMax: Duration{time.Second},
	}
}

// Load starts from Default, reads .env if present, then the optional YAML file, then
// DINECACHE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DINECACHE_LOG_LEVEL":        &cfg.LogLevel,
		"DINECACHE_LOG_FORMAT":       &cfg.LogFormat,
		"DINECACHE_HTTP_ADDR":        &cfg.HTTPAddr,
		"DINECACHE_DB_DRIVER":        &cfg.DatabaseDriver,
		"DINECACHE_DB_URL":           &cfg.DatabaseURL,
		"DINECACHE_JWT_SECRET":       &cfg.JWTSecret,
		"DINECACHE_KAFKA_BOOTSTRAP":  &cfg.KafkaBootstrap,
		"DINECACHE_STATUS_TOPIC":     &cfg.StatusTopic,
		"DINECACHE_PUBLISHER":        &cfg.Publisher,
		"DINECACHE_CHANGEFEED_FILE":  &cfg.ChangefeedFile,
		"DINECACHE_STATUS_URL":       &cfg.StatusURL,
		"DINECACHE_STATUS_KEY":       &cfg.StatusKey,
		"DINECACHE_REVIEWS_URL":      &cfg.ReviewsURL,
		"DINECACHE_REVIEWS_KEY":      &cfg.ReviewsKey,
		"DINECACHE_RESERVATIONS_URL": &cfg.ReservationsURL,
		"DINECACHE_RESERVATIONS_KEY": &cfg.ReservationsKey,
		"DINECACHE_STORE_DIR":        &cfg.StoreDir,
		"DINECACHE_STORE_BACKEND":    &cfg.StoreBackend,
		"DINECACHE_BACKEND_URL":      &cfg.BackendURL,
		"DINECACHE_TOKEN":            &cfg.Token,
		"DINECACHE_USER_ID":          &cfg.UserID,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok {
			*p = v
		}
	}
	durs := map[string]*Duration{
		"DINECACHE_PROVIDER_TIMEOUT":  &cfg.ProviderTimeout,
		"DINECACHE_SWEEP_INTERVAL":    &cfg.SweepInterval,
		"DINECACHE_SWEEP_THRESHOLD":   &cfg.SweepThreshold,
		"DINECACHE_SWEEP_DELAY_MIN":   &cfg.SweepDelayMin,
		"DINECACHE_SWEEP_DELAY_MAX":   &cfg.SweepDelayMax,
		"DINECACHE_FRESH_FOR":         &cfg.FreshFor,
		"DINECACHE_CHECK_EVERY":       &cfg.CheckEvery,
		"DINECACHE_AGGREGATION_TTL":   &cfg.AggregationTTL,
		"DINECACHE_INFERENCE_TTL":     &cfg.InferenceTTL,
		"DINECACHE_ENRICH_JITTER_MAX": &cfg.EnrichJitterMax,
	}
	for k, p := range durs {
		if v, ok := lookup(k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			p.Duration = d
		}
	}
	if v, ok := lookup("DINECACHE_SWEEP_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DINECACHE_SWEEP_BATCH_SIZE: %w", err)
		}
		cfg.SweepBatchSize = n
	}
	return nil
}
