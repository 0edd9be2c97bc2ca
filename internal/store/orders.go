package store

import (
	"encoding/json"
	"fmt"

	"dinecache/internal/model"
)

// OrderRecord is a cached order with its outbox flag.
type OrderRecord struct {
	Entity
	Synced bool `json:"synced"`
}

// Order decodes the payload.
func (o OrderRecord) Order() (model.Order, error) {
	var out model.Order
	err := o.Decode(&out)
	return out, err
}

// PutOrder upserts an order. A new order starts unsynced; an already synced one stays synced.
func (s *Store) PutOrder(o model.Order) error {
	return s.Put(Orders, o.ID, o)
}

// PutSyncedOrders writes orders that the backend already holds, marking them synced.
func (s *Store) PutSyncedOrders(orders ...model.Order) error {
	if len(orders) == 0 {
		return nil
	}
	now := s.now()
	envs := make([]envelope, 0, len(orders))
	for _, o := range orders {
		if err := validate(Orders, o.ID); err != nil {
			return writeErr("put orders", err)
		}
		raw, err := json.Marshal(o)
		if err != nil {
			return writeErr("put orders", err)
		}
		envs = append(envs, envelope{ID: o.ID, Payload: raw, LastUpdated: now, Synced: true})
	}
	return s.commit(Orders, envs, true)
}

func (s *Store) GetOrder(id string) (OrderRecord, error) {
	if err := validate(Orders, id); err != nil {
		return OrderRecord{}, err
	}
	e, err := s.load(recordKey(Orders, id))
	if err != nil {
		return OrderRecord{}, err
	}
	return OrderRecord{Entity: e.entity(), Synced: e.Synced}, nil
}

// UnsyncedOrders returns the outbox: every order with synced=false.
func (s *Store) UnsyncedOrders() ([]OrderRecord, error) {
	envs, err := s.scan(Orders)
	if err != nil {
		return nil, err
	}
	var out []OrderRecord
	for _, e := range envs {
		if !e.Synced {
			out = append(out, OrderRecord{Entity: e.entity(), Synced: false})
		}
	}
	return out, nil
}

// MarkSynced sets synced=true. It reports false when the order was already synced,
// which makes racing callers safe: exactly one of them observes the transition.
func (s *Store) MarkSynced(id string) (bool, error) {
	return s.setSynced(id, true)
}

// ResetSynced is the explicit resync path: it puts the order back into the outbox.
func (s *Store) ResetSynced(id string) error {
	_, err := s.setSynced(id, false)
	return err
}

func (s *Store) setSynced(id string, synced bool) (bool, error) {
	if err := validate(Orders, id); err != nil {
		return false, err
	}
	key := recordKey(Orders, id)
	unlock := s.locks.lockAll([][]byte{key})
	defer unlock()

	e, err := s.load(key)
	if err != nil {
		return false, err
	}
	if e.Synced == synced {
		return false, nil
	}
	e.Synced = synced
	e.LastUpdated = s.now()
	b, err := json.Marshal(e)
	if err != nil {
		return false, writeErr("mark synced", err)
	}
	if err := s.be.Apply([]Op{{Key: key, Value: b}}); err != nil {
		return false, writeErr("mark synced", fmt.Errorf("order %s: %w", id, err))
	}
	return true, nil
}
