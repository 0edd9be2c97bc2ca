package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinecache/internal/api"
	"dinecache/internal/config"
	"dinecache/internal/logging"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

func TestPublisher_Selection(t *testing.T) {
	reg := metrics.NewRegistry()
	cfg := config.Default()

	cfg.Publisher = "none"
	_, c, err := Publisher(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	cfg.Publisher = "file"
	cfg.ChangefeedFile = filepath.Join(t.TempDir(), "feed", "status.jsonl")
	p, _, err := Publisher(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), model.StatusUpdate{RestaurantID: "r1"}))
	_, err = os.Stat(cfg.ChangefeedFile)
	assert.NoError(t, err)

	cfg.Publisher = "kafka"
	cfg.KafkaBootstrap = ""
	_, _, err = Publisher(cfg, reg)
	assert.Error(t, err)

	cfg.Publisher = "carrier-pigeon"
	_, _, err = Publisher(cfg, reg)
	assert.Error(t, err)
}

func TestPublisher_KindIsCaseInsensitive(t *testing.T) {
	reg := metrics.NewRegistry()
	cfg := config.Default()
	cfg.KafkaBootstrap = "127.0.0.1:1"

	// The file sink creates its directory when built, so the directory shows which sinks
	// were selected.
	feedDir := filepath.Join(t.TempDir(), "feed")
	cfg.ChangefeedFile = filepath.Join(feedDir, "status.jsonl")
	cfg.Publisher = "BOTH"
	p, c, err := Publisher(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NotNil(t, p)
	info, err := os.Stat(feedDir)
	require.NoError(t, err, "file sink of BOTH not built")
	assert.True(t, info.IsDir())

	otherDir := filepath.Join(t.TempDir(), "other")
	cfg.ChangefeedFile = filepath.Join(otherDir, "status.jsonl")
	cfg.Publisher = " File "
	_, _, err = Publisher(cfg, reg)
	require.NoError(t, err)
	_, err = os.Stat(otherDir)
	assert.NoError(t, err)
}

func TestOpenStore_UnknownKind(t *testing.T) {
	_, err := OpenStore("floppy", t.TempDir())
	assert.Error(t, err)
}

// The client graph talks to the backend graph over HTTP: place an order offline-first and
// see it land in the backend database.
func TestBackendAndClientGraphs(t *testing.T) {
	log := logging.Discard()
	cfg := config.Default()
	cfg.DatabaseDriver = "sqlite3"
	cfg.DatabaseURL = ":memory:"
	cfg.JWTSecret = "graph-secret"
	cfg.Publisher = "none"

	be, err := NewBackend(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	ts := httptest.NewServer(be.Server.Router)
	t.Cleanup(ts.Close)

	ctx := context.Background()
	require.NoError(t, be.Repo.UpsertRestaurant(ctx, model.Restaurant{ID: "r1", Name: "Dumpling House", Cuisine: "Chinese"}))

	tok, err := api.IssueToken([]byte(cfg.JWTSecret), "u1", nil, time.Hour)
	require.NoError(t, err)
	cfg.StoreBackend = "memory"
	cfg.BackendURL = ts.URL
	cfg.Token = tok
	cfg.UserID = "u1"
	cl, err := NewClient(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	assert.Nil(t, cl.Hub)

	rep, err := cl.Hydrator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Restaurants)

	_, err = cl.App.Login(ctx, "u1")
	require.NoError(t, err)
	o, err := cl.App.PlaceOrder(ctx, "r1", []model.OrderItem{{Name: "har gow", Quantity: 1, Price: 6}})
	require.NoError(t, err)

	orders, err := be.Repo.OrdersForUserSince(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, o.ID, orders[0].ID)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
