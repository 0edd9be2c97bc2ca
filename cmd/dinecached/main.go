package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dinecache/internal/api"
	"dinecache/internal/bootstrap"
	"dinecache/internal/config"
	"dinecache/internal/logging"
)

const shutdownTimeout = 15 * time.Second

type flags struct {
	configPath string
	addr       string
	driver     string
	dsn        string
	publisher  string
	sweepEvery time.Duration
	issueFor   string
	roles      string
	tokenTTL   time.Duration
}

func main() {
	f := readFlags()
	cfg, err := config.Load(f.configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	applyFlags(&cfg, f)
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if f.issueFor != "" {
		if err := issueToken(cfg, f); err != nil {
			log.Fatalf("issue token: %v", err)
		}
		return
	}
	if err := run(cfg, log); err != nil {
		log.Fatalf("dinecached failed: %v", err)
	}
}

func readFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "optional YAML config file")
	flag.StringVar(&f.addr, "addr", "", "listen address (overrides config)")
	flag.StringVar(&f.driver, "db-driver", "", "database driver: postgres|sqlite3")
	flag.StringVar(&f.dsn, "db-url", "", "database DSN")
	flag.StringVar(&f.publisher, "publisher", "", "change feed sink: kafka|confluent|file|both|none")
	flag.DurationVar(&f.sweepEvery, "sweep-interval", 0, "stale sweep interval; 0 keeps the config value, negative disables")
	flag.StringVar(&f.issueFor, "issue-token", "", "print a signed token for this user id and exit")
	flag.StringVar(&f.roles, "roles", "", "comma-separated roles for -issue-token")
	flag.DurationVar(&f.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()
	return f
}

func applyFlags(cfg *config.Config, f flags) {
	if f.addr != "" {
		cfg.HTTPAddr = f.addr
	}
	if f.driver != "" {
		cfg.DatabaseDriver = f.driver
	}
	if f.dsn != "" {
		cfg.DatabaseURL = f.dsn
	}
	if f.publisher != "" {
		cfg.Publisher = f.publisher
	}
	if f.sweepEvery != 0 {
		cfg.SweepInterval.Duration = f.sweepEvery
	}
}

func issueToken(cfg config.Config, f flags) error {
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is not configured")
	}
	var roles []string
	for _, r := range strings.Split(f.roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	tok, err := api.IssueToken([]byte(cfg.JWTSecret), f.issueFor, roles, f.tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfg config.Config, log *logrus.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is not configured")
	}
	log.WithFields(logrus.Fields{
		"addr":      cfg.HTTPAddr,
		"driver":    cfg.DatabaseDriver,
		"publisher": cfg.Publisher,
		"sweep":     cfg.SweepInterval.Duration,
	}).Info("starting dinecached")

	b, err := bootstrap.NewBackend(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SweepInterval.Duration > 0 {
		go b.Sweep.Schedule(ctx, cfg.SweepInterval.Duration)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- b.Server.Run(cfg.HTTPAddr)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	if err := b.Server.Shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
