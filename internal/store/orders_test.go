package store

import (
	"sync"
	"sync/atomic"
	"testing"

	"dinecache/internal/model"
)

func TestOrders_OutboxLifecycle(t *testing.T) {
	s := newMemStore(t)
	o := model.Order{ID: "o1", UserID: "u1", RestaurantID: "r1", Total: 12.5}
	if err := s.PutOrder(o); err != nil {
		t.Fatalf("put order: %v", err)
	}
	pending, err := s.UnsyncedOrders()
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "o1" {
		t.Fatalf("unexpected outbox: %+v", pending)
	}

	changed, err := s.MarkSynced("o1")
	if err != nil || !changed {
		t.Fatalf("mark synced: changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkSynced("o1")
	if err != nil || changed {
		t.Fatalf("second mark should be a no-op: changed=%v err=%v", changed, err)
	}

	// Rewriting the order must not put it back into the outbox.
	o.Total = 13
	if err := s.PutOrder(o); err != nil {
		t.Fatalf("put order again: %v", err)
	}
	rec, err := s.GetOrder("o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !rec.Synced {
		t.Fatalf("synced flag was reset by a plain write")
	}
	got, err := rec.Order()
	if err != nil || got.Total != 13 {
		t.Fatalf("payload not updated: %+v err=%v", got, err)
	}

	if err := s.ResetSynced("o1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	pending, _ = s.UnsyncedOrders()
	if len(pending) != 1 {
		t.Fatalf("explicit resync should re-queue the order, got %d", len(pending))
	}
}

func TestOrders_MarkSyncedRaceHasOneWinner(t *testing.T) {
	s := newMemStore(t)
	if err := s.PutOrder(model.Order{ID: "o1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.MarkSynced("o1")
			if err != nil {
				t.Errorf("mark: %v", err)
				return
			}
			if changed {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("want exactly one transition, got %d", wins)
	}
}

func TestOrders_PutSyncedOrders(t *testing.T) {
	s := newMemStore(t)
	if err := s.PutSyncedOrders(model.Order{ID: "a"}, model.Order{ID: "b"}); err != nil {
		t.Fatalf("put synced: %v", err)
	}
	pending, _ := s.UnsyncedOrders()
	if len(pending) != 0 {
		t.Fatalf("hydrated orders must not be in the outbox: %+v", pending)
	}
}
