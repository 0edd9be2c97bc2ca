// Package reconcile keeps the freshest known operational status per restaurant.
//
// Push updates, initial fetches and refresh results all pass through one reducer
// (Apply) that keeps the status with the larger LastChecked, so arrival order never
// matters. A periodic check marks observed entities stale and refreshes them, with at
// most one refresh in flight per entity.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

const (
	DefaultFreshFor   = 15 * time.Minute
	DefaultCheckEvery = 5 * time.Minute
)

type State int

const (
	Unknown State = iota
	Fresh
	Stale
	Refreshing
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Refreshing:
		return "refreshing"
	}
	return "unknown"
}

// Outcome is the result of an explicit refresh.
type Outcome int

const (
	OutcomeRefreshed Outcome = iota
	OutcomeNoNewerData
	OutcomeInFlight
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeNoNewerData:
		return "no_newer_data"
	case OutcomeInFlight:
		return "in_flight"
	}
	return "failed"
}

// Source fetches the held status and asks the backend to refresh it.
type Source interface {
	FetchStatus(ctx context.Context, id string) (model.RestaurantStatus, error)
	RefreshStatus(ctx context.Context, id, externalRef string) (model.RestaurantStatus, error)
}

// Subscriber delivers push updates for one restaurant until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, id string) (<-chan model.StatusUpdate, error)
}

// View is what observers see for one entity.
type View struct {
	ID     string                 `json:"id"`
	State  State                  `json:"state"`
	Status model.RestaurantStatus `json:"status"`
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type Config struct {
	FreshFor   time.Duration
	CheckEvery time.Duration
	Now        func() time.Time
	NewTicker  func(time.Duration) Ticker
	Log        logrus.FieldLogger
}

type entity struct {
	status     model.RestaurantStatus
	state      State
	ref        string
	refreshing bool
	watchers   map[int]chan View
}

type Reconciler struct {
	src     Source
	sub     Subscriber
	cfg     Config
	metrics *metrics.Registry

	mu       sync.Mutex
	entities map[string]*entity
	nextSub  int
}

// New builds a reconciler. sub may be nil when no push channel is available.
func New(src Source, sub Subscriber, cfg Config, reg *metrics.Registry) *Reconciler {
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = DefaultFreshFor
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewTimeTicker
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Reconciler{src: src, sub: sub, cfg: cfg, metrics: reg, entities: map[string]*entity{}}
}

// must hold r.mu
func (r *Reconciler) entity(id string) *entity {
	e, ok := r.entities[id]
	if !ok {
		e = &entity{watchers: map[int]chan View{}}
		r.entities[id] = e
	}
	return e
}

// Track records the provider reference used when refreshing id.
func (r *Reconciler) Track(id, externalRef string) {
	r.mu.Lock()
	r.entity(id).ref = externalRef
	r.mu.Unlock()
}

// View returns the held view for id. Untracked ids are Unknown.
func (r *Reconciler) View(id string) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return View{ID: id, State: Unknown}
	}
	return View{ID: id, State: e.state, Status: e.status}
}

// Apply folds one status into the held state. Older or undated statuses are dropped and
// reported as ErrConflictIgnored. An applied status moves the entity to Fresh from any state.
func (r *Reconciler) Apply(id string, st model.RestaurantStatus) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entity(id)
	if !st.NewerThan(e.status) {
		r.metrics.StatusIgnored.Inc()
		return View{ID: id, State: e.state, Status: e.status},
			fmt.Errorf("status %s at %s: %w", id, st.LastChecked.Format(time.RFC3339), model.ErrConflictIgnored)
	}
	e.status = st
	e.state = Fresh
	r.metrics.StatusApplied.Inc()
	return r.notifyLocked(id, e), nil
}

// must hold r.mu
func (r *Reconciler) notifyLocked(id string, e *entity) View {
	v := View{ID: id, State: e.state, Status: e.status}
	for _, ch := range e.watchers {
		offer(ch, v)
	}
	return v
}

// offer keeps only the latest view in a one-slot channel.
func offer(ch chan View, v View) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Load fetches the held backend status. A status that was never checked leaves the entity
// Stale so the next check refreshes it.
func (r *Reconciler) Load(ctx context.Context, id string) error {
	st, err := r.src.FetchStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch status %s: %w", id, err)
	}
	if st.LastChecked.IsZero() {
		r.mu.Lock()
		e := r.entity(id)
		if e.state == Unknown {
			e.state = Stale
			r.notifyLocked(id, e)
		}
		r.mu.Unlock()
		return nil
	}
	if _, err := r.Apply(id, st); err != nil && !errors.Is(err, model.ErrConflictIgnored) {
		return err
	}
	return nil
}

// Check runs one staleness check: Unknown loads, Fresh past FreshFor turns Stale, and
// Stale refreshes.
func (r *Reconciler) Check(ctx context.Context, id string) error {
	r.mu.Lock()
	e := r.entity(id)
	switch e.state {
	case Unknown:
		r.mu.Unlock()
		return r.Load(ctx, id)
	case Refreshing:
		r.mu.Unlock()
		return nil
	case Fresh:
		if r.cfg.Now().Sub(e.status.LastChecked) <= r.cfg.FreshFor {
			r.mu.Unlock()
			return nil
		}
		e.state = Stale
		r.notifyLocked(id, e)
	}
	r.mu.Unlock()
	_, err := r.Refresh(ctx, id)
	return err
}

// Refresh asks the source for a new status. A second call while one is running returns
// OutcomeInFlight without calling the source.
func (r *Reconciler) Refresh(ctx context.Context, id string) (Outcome, error) {
	r.mu.Lock()
	e := r.entity(id)
	if e.refreshing {
		r.mu.Unlock()
		r.metrics.RefreshInFlight.Inc()
		return OutcomeInFlight, nil
	}
	e.refreshing = true
	e.state = Refreshing
	ref := e.ref
	r.notifyLocked(id, e)
	r.mu.Unlock()

	r.metrics.RefreshStarted.Inc()
	st, err := r.src.RefreshStatus(ctx, id, ref)

	r.mu.Lock()
	defer r.mu.Unlock()
	e.refreshing = false
	log := r.cfg.Log.WithField("restaurant_id", id)

	if err != nil {
		r.metrics.RefreshFailed.Inc()
		r.settleLocked(id, e)
		log.WithError(err).Warn("status refresh failed")
		if !errors.Is(err, model.ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
		}
		return OutcomeFailed, fmt.Errorf("refresh %s: %w", id, err)
	}
	if !st.NewerThan(e.status) {
		r.metrics.StatusIgnored.Inc()
		r.settleLocked(id, e)
		log.Debug("refresh returned no newer status")
		return OutcomeNoNewerData, nil
	}
	e.status = st
	e.state = Fresh
	r.metrics.StatusApplied.Inc()
	r.notifyLocked(id, e)
	return OutcomeRefreshed, nil
}

// settleLocked ends an unsuccessful refresh. A push that landed meanwhile already moved
// the entity to Fresh and is left alone.
func (r *Reconciler) settleLocked(id string, e *entity) {
	if e.state != Refreshing {
		return
	}
	e.state = Stale
	r.notifyLocked(id, e)
}

// Watch observes id until ctx is cancelled: it subscribes to pushes, loads the status and
// checks staleness every CheckEvery. The subscription opens before the initial fetch so a
// push landing during the fetch is queued rather than missed. The channel carries the latest view and is closed when
// the watch stops.
func (r *Reconciler) Watch(ctx context.Context, id string) <-chan View {
	ch := make(chan View, 1)
	r.mu.Lock()
	subID := r.nextSub
	r.nextSub++
	e := r.entity(id)
	e.watchers[subID] = ch
	if e.state != Unknown {
		offer(ch, View{ID: id, State: e.state, Status: e.status})
	}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.entity(id).watchers, subID)
			close(ch)
			r.mu.Unlock()
		}()
		log := r.cfg.Log.WithField("restaurant_id", id)

		var updates <-chan model.StatusUpdate
		if r.sub != nil {
			u, err := r.sub.Subscribe(ctx, id)
			if err != nil {
				log.WithError(err).Warn("push subscription unavailable")
			}
			updates = u
		}

		if err := r.Load(ctx, id); err != nil {
			log.WithError(err).Warn("initial status fetch failed")
		} else if err := r.Check(ctx, id); err != nil {
			log.WithError(err).Debug("initial staleness check")
		}

		ticker := r.cfg.NewTicker(r.cfg.CheckEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				if _, err := r.Apply(id, u.Status); err != nil {
					log.WithError(err).Debug("push update dropped")
				}
			case <-ticker.C():
				if err := r.Check(ctx, id); err != nil {
					log.WithError(err).Debug("staleness check")
				}
			}
		}
	}()
	return ch
}
