package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"dinecache/internal/bootstrap"
	"dinecache/internal/config"
	"dinecache/internal/logging"
	"dinecache/internal/model"
)

const usage = `usage: dinecli [-config file] <command> [args]

commands:
  login <user>             start a session and push queued orders
  logout                   clear every local collection
  hydrate [-reset]         pull restaurants and orders changed since the last pull
  sync                     push queued orders
  watch <id>               stream status changes until interrupted
  refresh <id>             ask the backend for a new status check
  enrich <id>              fetch optional provider data
  like <id> | unlike <id>  edit favorites
  favorites                favorite cuisines, price levels and inferred preferences
  order <restaurant> [name:qty:price ...]
  export [file]            write a JSON snapshot of the local store
  import <file>            load a JSON snapshot into the local store
`

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log, flag.Args()); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func needArg(args []string, name string) (string, error) {
	if len(args) < 2 || args[1] == "" {
		return "", fmt.Errorf("missing %s", name)
	}
	return args[1], nil
}

func run(cfg config.Config, log *logrus.Logger, args []string) error {
	c, err := bootstrap.NewClient(cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := c.App

	switch args[0] {
	case "login":
		user, err := needArg(args, "user id")
		if err != nil {
			return err
		}
		res, err := a.Login(ctx, user)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "logout":
		return a.Logout()
	case "hydrate":
		fs := flag.NewFlagSet("hydrate", flag.ContinueOnError)
		reset := fs.Bool("reset", false, "forget the checkpoint and pull everything")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *reset {
			if err := c.Hydrator.Reset(); err != nil {
				return err
			}
		}
		rep, err := c.Hydrator.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	case "sync":
		if _, err := a.Resume(ctx); err != nil {
			return err
		}
		res, err := a.Foreground(ctx)
		if err != nil {
			return err
		}
		if res.Err != nil {
			log.WithError(res.Err).Warn("some orders stay queued")
		}
		return printJSON(res)
	case "watch":
		id, err := needArg(args, "restaurant id")
		if err != nil {
			return err
		}
		go func() {
			if err := c.RunFeed(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("status feed stopped")
			}
		}()
		for v := range a.ObserveStatus(ctx, id) {
			if err := printJSON(map[string]any{"id": v.ID, "state": v.State.String(), "status": v.Status}); err != nil {
				return err
			}
		}
		return nil
	case "refresh":
		id, err := needArg(args, "restaurant id")
		if err != nil {
			return err
		}
		out, err := a.RefreshStatus(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	case "enrich":
		id, err := needArg(args, "restaurant id")
		if err != nil {
			return err
		}
		for res := range a.Enrich(ctx, id) {
			if res.Err != nil && res.Restaurant.ID == "" {
				return res.Err
			}
			if res.Err != nil {
				log.WithError(res.Err).Warn("some providers failed")
			}
			if err := printJSON(res); err != nil {
				return err
			}
		}
		return nil
	case "like", "unlike":
		id, err := needArg(args, "restaurant id")
		if err != nil {
			return err
		}
		if args[0] == "like" {
			return a.Like(ctx, id)
		}
		return a.Unlike(id)
	case "favorites":
		return printJSON(map[string]any{
			"cuisines":    a.FavoriteCuisines(ctx).Value,
			"prices":      a.FavoritePrices(ctx).Value,
			"preferences": a.InferredPreferences(ctx).Value,
		})
	case "order":
		rid, err := needArg(args, "restaurant id")
		if err != nil {
			return err
		}
		items, err := parseItems(args[2:])
		if err != nil {
			return err
		}
		if _, err := a.Resume(ctx); err != nil {
			return err
		}
		o, err := a.PlaceOrder(ctx, rid, items)
		if err != nil {
			return err
		}
		return printJSON(o)
	case "export":
		var w io.Writer = os.Stdout
		if len(args) > 1 {
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return c.Store.Export(w)
	case "import":
		path, err := needArg(args, "file")
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return c.Store.Import(f)
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// parseItems reads "name:qty:price" arguments.
func parseItems(args []string) ([]model.OrderItem, error) {
	items := make([]model.OrderItem, 0, len(args))
	for _, a := range args {
		parts := strings.Split(a, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("item %q: want name:qty:price", a)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("item %q: bad quantity", a)
		}
		price, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || price < 0 {
			return nil, fmt.Errorf("item %q: bad price", a)
		}
		items = append(items, model.OrderItem{Name: parts[0], Quantity: qty, Price: price})
	}
	return items, nil
}
