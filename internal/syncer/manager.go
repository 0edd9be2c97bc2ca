// Package syncer pushes locally created orders to the backend once the client is online
// and signed in.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"dinecache/internal/metrics"
	"dinecache/internal/model"
	"dinecache/internal/store"
)

type Pusher interface {
	PushOrder(ctx context.Context, o model.Order) error
}

// Result counts one pass. Err aggregates push failures; those orders stay in the outbox.
type Result struct {
	Pushed    int   `json:"pushed"`
	Conflicts int   `json:"conflicts"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Inactive  bool  `json:"inactive,omitempty"`
	Err       error `json:"-"`
}

type Manager struct {
	st      *store.Store
	push    Pusher
	log     logrus.FieldLogger
	metrics *metrics.Registry

	mu       sync.Mutex
	online   bool
	authed   bool
	inflight map[string]struct{}
}

// NewManager starts online and signed out.
func NewManager(st *store.Store, push Pusher, reg *metrics.Registry, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{st: st, push: push, log: log, metrics: reg, online: true, inflight: map[string]struct{}{}}
}

func (m *Manager) OnAuthenticated(ctx context.Context) (Result, error) {
	m.mu.Lock()
	m.authed = true
	m.mu.Unlock()
	return m.Sync(ctx)
}

func (m *Manager) OnOnline(ctx context.Context) (Result, error) {
	m.mu.Lock()
	m.online = true
	m.mu.Unlock()
	return m.Sync(ctx)
}

func (m *Manager) OnForeground(ctx context.Context) (Result, error) {
	return m.Sync(ctx)
}

func (m *Manager) OnOffline() {
	m.mu.Lock()
	m.online = false
	m.mu.Unlock()
}

func (m *Manager) OnLoggedOut() {
	m.mu.Lock()
	m.authed = false
	m.mu.Unlock()
}

func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online && m.authed
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// Sync pushes every unsynced order once. It does nothing unless online and signed in.
// The error is a local store failure; push failures only land in Result.
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	var res Result
	if !m.Active() {
		res.Inactive = true
		return res, nil
	}
	outbox, err := m.st.UnsyncedOrders()
	if err != nil {
		return res, fmt.Errorf("read outbox: %w", err)
	}
	var merr *multierror.Error
	for _, rec := range outbox {
		if err := ctx.Err(); err != nil {
			res.Err = merr.ErrorOrNil()
			return res, err
		}
		done, err := m.syncOne(ctx, rec.ID, &res)
		if err != nil {
			if errors.Is(err, model.ErrStoreWrite) {
				res.Err = merr.ErrorOrNil()
				return res, err
			}
			merr = multierror.Append(merr, err)
		}
		if !done {
			res.Skipped++
		}
	}
	res.Err = merr.ErrorOrNil()
	if res.Pushed+res.Conflicts+res.Failed > 0 {
		m.log.WithFields(logrus.Fields{
			"pushed": res.Pushed, "conflicts": res.Conflicts, "failed": res.Failed,
		}).Info("outbox sync")
	}
	return res, nil
}

// syncOne reports done=false when another pass owns the order or already synced it.
func (m *Manager) syncOne(ctx context.Context, id string, res *Result) (bool, error) {
	if !m.claim(id) {
		return false, nil
	}
	defer m.release(id)

	// Re-read under the claim: a pass that just finished may have marked it.
	rec, err := m.st.GetOrder(id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.Synced {
		return false, nil
	}
	o, err := rec.Order()
	if err != nil {
		res.Failed++
		return true, err
	}

	err = m.push.PushOrder(ctx, o)
	switch {
	case errors.Is(err, model.ErrSyncConflict):
		res.Conflicts++
		m.metrics.SyncConflicts.Inc()
	case err != nil:
		res.Failed++
		m.metrics.SyncFailed.Inc()
		m.log.WithField("order_id", id).WithError(err).Warn("push order failed")
		return true, fmt.Errorf("push %s: %w", id, err)
	default:
		res.Pushed++
		m.metrics.SyncPushed.Inc()
	}

	if _, err := m.st.MarkSynced(id); err != nil {
		return true, err
	}
	return true, nil
}
