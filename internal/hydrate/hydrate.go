// Package hydrate pulls backend changes into the local store incrementally. Progress is kept
// as a checkpoint in the meta collection and only moves after the data it covers is durable.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dinecache/internal/api"
	"dinecache/internal/model"
	"dinecache/internal/store"
)

const (
	CheckpointID    = "hydrate.checkpoint"
	DefaultPageSize = 200
)

type Source interface {
	RestaurantsUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) (api.RestaurantPage, error)
	OrdersSince(ctx context.Context, since time.Time) ([]model.Order, error)
}

// Checkpoint is the high-water mark of the last completed pull. The restaurant mark is the
// (updated_at, id) of the last record pulled.
type Checkpoint struct {
	RestaurantsSince   time.Time `json:"restaurantsSince"`
	RestaurantsAfterID string    `json:"restaurantsAfterId,omitempty"`
	OrdersSince        time.Time `json:"ordersSince"`
	CompletedAt        time.Time `json:"completedAt"`
}

type Report struct {
	From        Checkpoint `json:"from"`
	To          Checkpoint `json:"to"`
	Restaurants int        `json:"restaurants"`
	Orders      int        `json:"orders"`
	Pages       int        `json:"pages"`
}

type Hydrator struct {
	src      Source
	st       *store.Store
	pageSize int
	now      func() time.Time
	log      logrus.FieldLogger
}

type Option func(*Hydrator)

func WithPageSize(n int) Option { return func(h *Hydrator) { h.pageSize = n } }

func WithClock(now func() time.Time) Option { return func(h *Hydrator) { h.now = now } }

func New(src Source, st *store.Store, log logrus.FieldLogger, opts ...Option) *Hydrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Hydrator{src: src, st: st, pageSize: DefaultPageSize, now: time.Now, log: log}
	for _, o := range opts {
		o(h)
	}
	if h.pageSize <= 0 {
		h.pageSize = DefaultPageSize
	}
	return h
}

// LoadCheckpoint returns the stored checkpoint, or the zero checkpoint before the first pull.
func (h *Hydrator) LoadCheckpoint() (Checkpoint, error) {
	ent, err := h.st.Get(store.Meta, CheckpointID)
	if errors.Is(err, model.ErrNotFound) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := ent.Decode(&cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Run pulls every restaurant page and the user's orders newer than the checkpoint. Each
// restaurant page commits as one batch; the checkpoint is written last, so a failed pull
// is repeated from the old mark next time.
func (h *Hydrator) Run(ctx context.Context) (Report, error) {
	from, err := h.LoadCheckpoint()
	if err != nil {
		return Report{}, fmt.Errorf("load checkpoint: %w", err)
	}
	rep := Report{From: from}
	to := from

	for {
		page, err := h.src.RestaurantsUpdatedSince(ctx, to.RestaurantsSince, to.RestaurantsAfterID, h.pageSize)
		if err != nil {
			return rep, fmt.Errorf("pull restaurants: %w", err)
		}
		rep.Pages++
		if len(page.Restaurants) > 0 {
			items := make([]store.Item, 0, len(page.Restaurants))
			for _, rec := range page.Restaurants {
				items = append(items, store.Item{ID: rec.ID, Payload: rec})
			}
			if err := h.st.PutMany(store.Restaurants, items...); err != nil {
				return rep, err
			}
			rep.Restaurants += len(items)
		}
		if len(page.Restaurants) == 0 {
			break
		}
		to.RestaurantsSince, to.RestaurantsAfterID = page.Checkpoint, page.CheckpointID
		if len(page.Restaurants) < h.pageSize {
			break
		}
	}

	orders, err := h.src.OrdersSince(ctx, to.OrdersSince)
	if err != nil {
		return rep, fmt.Errorf("pull orders: %w", err)
	}
	if len(orders) > 0 {
		if err := h.st.PutSyncedOrders(orders...); err != nil {
			return rep, err
		}
		for _, o := range orders {
			if o.CreatedAt.After(to.OrdersSince) {
				to.OrdersSince = o.CreatedAt
			}
		}
		rep.Orders = len(orders)
	}

	to.CompletedAt = h.now().UTC()
	if err := h.st.Put(store.Meta, CheckpointID, to); err != nil {
		return rep, fmt.Errorf("save checkpoint: %w", err)
	}
	rep.To = to
	h.log.WithFields(logrus.Fields{
		"restaurants": rep.Restaurants,
		"orders":      rep.Orders,
		"pages":       rep.Pages,
	}).Info("hydrate finished")
	return rep, nil
}

// Reset forgets the checkpoint so the next Run pulls everything.
func (h *Hydrator) Reset() error {
	return h.st.Delete(store.Meta, CheckpointID)
}
