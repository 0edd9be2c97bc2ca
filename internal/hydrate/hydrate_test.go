package hydrate

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinecache/internal/api"
	"dinecache/internal/logging"
	"dinecache/internal/model"
	"dinecache/internal/store"
)

var base = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	recs      []model.Record
	orders    []model.Order
	ordersErr error
	sinceSeen []time.Time
}

func (f *fakeSource) RestaurantsUpdatedSince(_ context.Context, since time.Time, afterID string, limit int) (api.RestaurantPage, error) {
	f.sinceSeen = append(f.sinceSeen, since)
	sort.Slice(f.recs, func(i, j int) bool {
		a, b := f.recs[i], f.recs[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	page := api.RestaurantPage{Restaurants: []model.Record{}, Checkpoint: since, CheckpointID: afterID}
	for _, r := range f.recs {
		if r.UpdatedAt.Before(since) || (r.UpdatedAt.Equal(since) && r.ID <= afterID) {
			continue
		}
		if limit > 0 && len(page.Restaurants) == limit {
			break
		}
		page.Restaurants = append(page.Restaurants, r)
		page.Checkpoint, page.CheckpointID = r.UpdatedAt, r.ID
	}
	return page, nil
}

func (f *fakeSource) OrdersSince(_ context.Context, since time.Time) ([]model.Order, error) {
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	var out []model.Order
	for _, o := range f.orders {
		if o.CreatedAt.After(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func rec(id string, minute int) model.Record {
	return model.Record{Restaurant: model.Restaurant{ID: id, Name: id, UpdatedAt: base.Add(time.Duration(minute) * time.Minute)}}
}

func newHydrator(src Source) (*Hydrator, *store.Store) {
	st := store.New(store.NewMemoryBackend())
	return New(src, st, logging.Discard(), WithPageSize(2), WithClock(func() time.Time { return base })), st
}

func TestRun_PagesAndAdvancesCheckpoint(t *testing.T) {
	src := &fakeSource{
		recs:   []model.Record{rec("a", 1), rec("b", 2), rec("c", 3)},
		orders: []model.Order{{ID: "O1", UserID: "u1", CreatedAt: base.Add(time.Hour)}},
	}
	h, st := newHydrator(src)

	rep, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Restaurants)
	assert.Equal(t, 1, rep.Orders)
	assert.Equal(t, 2, rep.Pages)
	assert.True(t, rep.To.RestaurantsSince.Equal(base.Add(3*time.Minute)))
	assert.True(t, rep.To.OrdersSince.Equal(base.Add(time.Hour)))

	all, err := st.GetAll(store.Restaurants)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	o, err := st.GetOrder("O1")
	require.NoError(t, err)
	assert.True(t, o.Synced)

	cp, err := h.LoadCheckpoint()
	require.NoError(t, err)
	assert.True(t, rep.To.RestaurantsSince.Equal(cp.RestaurantsSince))

	// Second pass only sees what changed.
	src.recs = append(src.recs, rec("d", 10))
	rep, err = h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Restaurants)
	assert.Zero(t, rep.Orders)
}

func TestRun_EqualTimestampsAcrossPageEdge(t *testing.T) {
	src := &fakeSource{recs: []model.Record{rec("a", 5), rec("b", 5), rec("c", 5)}}
	h, st := newHydrator(src)

	rep, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Restaurants)
	assert.Equal(t, 2, rep.Pages)
	assert.Equal(t, "c", rep.To.RestaurantsAfterID)

	all, err := st.GetAll(store.Restaurants)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// A record landing on the same timestamp after the pull is still picked up.
	src.recs = append(src.recs, rec("d", 5))
	rep, err = h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Restaurants)
	assert.Equal(t, "d", rep.To.RestaurantsAfterID)
}

func TestRun_OrderFailureKeepsOldCheckpoint(t *testing.T) {
	src := &fakeSource{
		recs:      []model.Record{rec("a", 1)},
		ordersErr: errors.New("backend down"),
	}
	h, st := newHydrator(src)

	_, err := h.Run(context.Background())
	require.Error(t, err)

	cp, err := h.LoadCheckpoint()
	require.NoError(t, err)
	assert.True(t, cp.RestaurantsSince.IsZero())

	// The restaurant page itself is durable and simply rewritten on retry.
	_, err = st.Get(store.Restaurants, "a")
	require.NoError(t, err)

	src.ordersErr = nil
	rep, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Restaurants)
	assert.True(t, src.sinceSeen[len(src.sinceSeen)-1].IsZero())
}

func TestRun_LocalUnsyncedOrderBecomesSynced(t *testing.T) {
	src := &fakeSource{orders: []model.Order{{ID: "O1", UserID: "u1", CreatedAt: base}}}
	h, st := newHydrator(src)
	require.NoError(t, st.PutOrder(model.Order{ID: "O1", UserID: "u1", CreatedAt: base}))

	_, err := h.Run(context.Background())
	require.NoError(t, err)
	outbox, err := st.UnsyncedOrders()
	require.NoError(t, err)
	assert.Empty(t, outbox)
}

func TestReset(t *testing.T) {
	h, _ := newHydrator(&fakeSource{recs: []model.Record{rec("a", 1)}})
	_, err := h.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Reset())
	cp, err := h.LoadCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, Checkpoint{}, cp)
}
