package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dinecache/internal/bootstrap"
	"dinecache/internal/config"
	"dinecache/internal/logging"
)

// sweep runs one stale sweep against the configured database and prints the report.
func main() {
	var (
		configPath string
		batch      int
	)
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.IntVar(&batch, "batch", 0, "batch size (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if batch > 0 {
		cfg.SweepBatchSize = batch
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	b, err := bootstrap.NewBackend(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := b.Sweep.Run(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(rep); encErr != nil {
		log.WithError(encErr).Error("encode report")
	}
	if err != nil {
		return err
	}
	if rep.Err != nil {
		log.WithError(rep.Err).Warn("some restaurants could not be refreshed")
	}
	return nil
}
