// Package app is the client-side facade the UI layer talks to. It wires the local store,
// the status reconciler, enrichment, derived caches and the order outbox together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dinecache/internal/derived"
	"dinecache/internal/enrich"
	"dinecache/internal/model"
	"dinecache/internal/reconcile"
	"dinecache/internal/store"
	"dinecache/internal/syncer"
)

const sessionID = "session"

// Remote reads restaurant records the local store does not hold yet.
type Remote interface {
	Restaurant(ctx context.Context, id string) (model.Record, error)
}

type Deps struct {
	Store         *store.Store
	Remote        Remote
	Reconciler    *reconcile.Reconciler
	Pipeline      *enrich.Pipeline
	Derived       *derived.Service
	Sync          *syncer.Manager
	EnrichEnabled bool
	Now           func() time.Time
	Log           logrus.FieldLogger
}

type Session struct {
	UserID   string    `json:"userId"`
	SignedIn time.Time `json:"signedIn"`
}

type App struct {
	st      *store.Store
	remote  Remote
	rec     *reconcile.Reconciler
	pipe    *enrich.Pipeline
	derived *derived.Service
	sync    *syncer.Manager
	enrich  bool
	now     func() time.Time
	log     logrus.FieldLogger

	// serializes read-modify-write of cached restaurant records
	recMu sync.Mutex
}

func New(d Deps) *App {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &App{
		st:      d.Store,
		remote:  d.Remote,
		rec:     d.Reconciler,
		pipe:    d.Pipeline,
		derived: d.Derived,
		sync:    d.Sync,
		enrich:  d.EnrichEnabled,
		now:     d.Now,
		log:     d.Log,
	}
}

func (a *App) cached(id string) (model.Record, error) {
	ent, err := a.st.Get(store.Restaurants, id)
	if err != nil {
		return model.Record{}, err
	}
	var rec model.Record
	if err := ent.Decode(&rec); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Restaurant returns the cached record, fetching and caching it on a miss.
func (a *App) Restaurant(ctx context.Context, id string) (model.Record, error) {
	rec, err := a.cached(id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, model.ErrNotFound) || a.remote == nil {
		return model.Record{}, err
	}
	rec, err = a.remote.Restaurant(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if err := a.st.Put(store.Restaurants, id, rec); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

func (a *App) track(id string) {
	if rec, err := a.cached(id); err == nil {
		a.rec.Track(id, rec.ExternalRef)
	}
}

// saveStatus writes st into the cached record when it is newer than the one held.
func (a *App) saveStatus(id string, st model.RestaurantStatus) error {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	rec, err := a.cached(id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !st.NewerThan(rec.Status) {
		return nil
	}
	rec.Status = st
	return a.st.Put(store.Restaurants, id, rec)
}

// ObserveStatus streams the status of id until ctx is cancelled. Fresh statuses are also
// written back to the local store.
func (a *App) ObserveStatus(ctx context.Context, id string) <-chan reconcile.View {
	a.track(id)
	in := a.rec.Watch(ctx, id)
	out := make(chan reconcile.View, 1)
	go func() {
		defer close(out)
		for v := range in {
			if v.State == reconcile.Fresh {
				if err := a.saveStatus(id, v.Status); err != nil {
					a.log.WithField("restaurant_id", id).WithError(err).Warn("persist status")
				}
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RefreshStatus asks the backend for a new check of id.
func (a *App) RefreshStatus(ctx context.Context, id string) (reconcile.Outcome, error) {
	a.track(id)
	out, err := a.rec.Refresh(ctx, id)
	if err != nil {
		return out, err
	}
	if out == reconcile.OutcomeRefreshed {
		if err := a.saveStatus(id, a.rec.View(id).Status); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Enrich emits a Loading result with the base restaurant, then the merged result. The
// merged groups are written back to the cached record. The channel is closed afterwards.
func (a *App) Enrich(ctx context.Context, id string) <-chan enrich.Result {
	out := make(chan enrich.Result, 2)
	rec, err := a.Restaurant(ctx, id)
	if err != nil {
		out <- enrich.Result{Err: err}
		close(out)
		return out
	}
	out <- enrich.Result{
		Restaurant: model.EnrichedRestaurant{Restaurant: rec.Restaurant},
		Available:  map[string]bool{},
		Loading:    a.enrich && rec.HasCoordinates(),
	}
	go func() {
		defer close(out)
		res := a.pipe.Run(ctx, rec.Restaurant, a.enrich)
		if ctx.Err() != nil {
			return
		}
		if err := a.saveEnrichment(id, res.Restaurant); err != nil {
			a.log.WithField("restaurant_id", id).WithError(err).Warn("persist enrichment")
		}
		out <- res
	}()
	return out
}

func (a *App) saveEnrichment(id string, e model.EnrichedRestaurant) error {
	if e.Reviews == nil && e.Reservations == nil {
		return nil
	}
	a.recMu.Lock()
	defer a.recMu.Unlock()
	rec, err := a.cached(id)
	if err != nil {
		return err
	}
	if e.Reviews != nil {
		rec.Enrichment.Reviews = e.Reviews
	}
	if e.Reservations != nil {
		rec.Enrichment.Reservations = e.Reservations
	}
	return a.st.Put(store.Restaurants, id, rec)
}

func (a *App) Like(ctx context.Context, id string) error {
	rec, err := a.Restaurant(ctx, id)
	if err != nil {
		return err
	}
	if err := a.st.Put(store.LikedRestaurants, id, rec.Restaurant); err != nil {
		return err
	}
	a.derived.Invalidate()
	return nil
}

func (a *App) Unlike(id string) error {
	if err := a.st.Delete(store.LikedRestaurants, id); err != nil {
		return err
	}
	a.derived.Invalidate()
	return nil
}

func (a *App) FavoriteCuisines(ctx context.Context) derived.Snapshot[[]derived.CuisineCount] {
	return a.derived.Cuisines.Read(ctx)
}

func (a *App) FavoritePrices(ctx context.Context) derived.Snapshot[[]derived.PriceCount] {
	return a.derived.Prices.Read(ctx)
}

func (a *App) InferredPreferences(ctx context.Context) derived.Snapshot[derived.PreferenceScores] {
	return a.derived.Preferences.Read(ctx)
}

func (a *App) SavePreferences(p model.Preferences) error {
	s, err := a.Session()
	if err != nil {
		return err
	}
	p.UserID = s.UserID
	return a.st.Put(store.Preferences, s.UserID, p)
}

func (a *App) Preferences() (model.Preferences, error) {
	s, err := a.Session()
	if err != nil {
		return model.Preferences{}, err
	}
	ent, err := a.st.Get(store.Preferences, s.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Preferences{UserID: s.UserID}, nil
	}
	if err != nil {
		return model.Preferences{}, err
	}
	var p model.Preferences
	err = ent.Decode(&p)
	return p, err
}

// PlaceOrder stores a new order in the outbox and tries to push it right away. A push that
// cannot happen now (offline, backend down) leaves the order queued; only a local write
// failure is returned.
func (a *App) PlaceOrder(ctx context.Context, restaurantID string, items []model.OrderItem) (model.Order, error) {
	s, err := a.Session()
	if err != nil {
		return model.Order{}, err
	}
	o := model.Order{
		ID:           uuid.NewString(),
		UserID:       s.UserID,
		RestaurantID: restaurantID,
		Items:        items,
		CreatedAt:    a.now().UTC(),
	}
	for _, it := range items {
		o.Total += it.Price * float64(it.Quantity)
	}
	if err := a.st.PutOrder(o); err != nil {
		return model.Order{}, err
	}
	a.derived.Invalidate(derived.KindInferredPreferences)
	res, err := a.sync.Sync(ctx)
	if err != nil {
		return o, err
	}
	if res.Err != nil {
		a.log.WithField("order_id", o.ID).WithError(res.Err).Info("order queued for later sync")
	}
	return o, nil
}

// Session returns the signed-in session or an error wrapping model.ErrNotFound.
func (a *App) Session() (Session, error) {
	ent, err := a.st.Get(store.Meta, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("session: %w", err)
	}
	var s Session
	err = ent.Decode(&s)
	return s, err
}

// Login records the session and runs the authenticated sync trigger.
func (a *App) Login(ctx context.Context, userID string) (syncer.Result, error) {
	if userID == "" {
		return syncer.Result{}, errors.New("user id is required")
	}
	if err := a.st.Put(store.Meta, sessionID, Session{UserID: userID, SignedIn: a.now().UTC()}); err != nil {
		return syncer.Result{}, err
	}
	return a.sync.OnAuthenticated(ctx)
}

// Resume restores a stored session after a restart.
func (a *App) Resume(ctx context.Context) (syncer.Result, error) {
	if _, err := a.Session(); err != nil {
		return syncer.Result{Inactive: true}, nil
	}
	return a.sync.OnAuthenticated(ctx)
}

// Logout drops every cached collection and the derived values computed from them.
func (a *App) Logout() error {
	a.sync.OnLoggedOut()
	if err := a.st.ClearAll(); err != nil {
		return err
	}
	a.derived.Invalidate()
	return nil
}

func (a *App) SetOnline(ctx context.Context, online bool) (syncer.Result, error) {
	if !online {
		a.sync.OnOffline()
		return syncer.Result{Inactive: true}, nil
	}
	return a.sync.OnOnline(ctx)
}

func (a *App) Foreground(ctx context.Context) (syncer.Result, error) {
	return a.sync.OnForeground(ctx)
}
