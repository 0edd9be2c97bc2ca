package store

import (
	"errors"
	"testing"

	"dinecache/internal/model"
)

func TestBadgerStore_PutGetDelete(t *testing.T) {
	be, err := OpenBadgerInMemory()
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	s := New(be)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.PutMany(Restaurants,
		Item{ID: "a", Payload: payload{N: 1}},
		Item{ID: "b", Payload: payload{N: 2}},
	); err != nil {
		t.Fatalf("putMany: %v", err)
	}
	if err := s.Put(Orders, "o1", model.Order{ID: "o1"}); err != nil {
		t.Fatalf("put order: %v", err)
	}
	all, err := s.GetAll(Restaurants)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("want 2, got %d", len(all))
	}
	if err := s.Delete(Restaurants, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(Restaurants, "a"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	pending, err := s.UnsyncedOrders()
	if err != nil || len(pending) != 1 {
		t.Fatalf("outbox: %+v err=%v", pending, err)
	}
}
