package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dinecache/internal/model"
)

// Collection names a keyspace in the Store.
type Collection string

const (
	Restaurants      Collection = "restaurants"
	Orders           Collection = "orders"
	Preferences      Collection = "preferences"
	LikedRestaurants Collection = "likedRestaurants"
	Meta             Collection = "meta"
)

// Collections lists every collection, in the order Export writes them.
var Collections = []Collection{Restaurants, Orders, Preferences, LikedRestaurants, Meta}

// Entity is a cached record. Payload is opaque JSON.
type Entity struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Decode unmarshals the payload into v.
func (e Entity) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.ID, err)
	}
	return nil
}

// Item is one record of a PutMany batch.
type Item struct {
	ID      string
	Payload any
}

// envelope is the on-disk value format.
type envelope struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Synced      bool            `json:"synced,omitempty"`
}

func (e envelope) entity() Entity {
	return Entity{ID: e.ID, Payload: e.Payload, LastUpdated: e.LastUpdated}
}

// Store is the local durable cache: named collections of JSON records keyed by id.
// Writes to one (collection, id) are serialized; reads never block on other readers.
type Store struct {
	be    Backend
	locks *keyLocks
	now   func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(be Backend, opts ...Option) *Store {
	s := &Store{
		be:    be,
		locks: newKeyLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Close() error { return s.be.Close() }

func recordKey(c Collection, id string) []byte {
	return []byte(string(c) + "/" + id)
}

func collectionPrefix(c Collection) []byte {
	return []byte(string(c) + "/")
}

func validate(c Collection, id string) error {
	if c == "" || strings.Contains(string(c), "/") {
		return fmt.Errorf("invalid collection %q", c)
	}
	if id == "" {
		return fmt.Errorf("%s: empty id", c)
	}
	return nil
}

func writeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreWrite, err)
}

// Put upserts one record. It returns only after the write is durable.
func (s *Store) Put(c Collection, id string, payload any) error {
	return s.PutMany(c, Item{ID: id, Payload: payload})
}

// PutMany upserts all items in a single atomic batch: either every record lands or none does.
func (s *Store) PutMany(c Collection, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	now := s.now()
	envs := make([]envelope, 0, len(items))
	for i, it := range items {
		if err := validate(c, it.ID); err != nil {
			return writeErr("put", fmt.Errorf("item %d: %w", i, err))
		}
		raw, err := json.Marshal(it.Payload)
		if err != nil {
			return writeErr("put", fmt.Errorf("item %d (%s): encode: %w", i, it.ID, err))
		}
		envs = append(envs, envelope{ID: it.ID, Payload: raw, LastUpdated: now})
	}
	return s.commit(c, envs, true)
}

// commit writes envelopes atomically. When sticky is set, an order already marked synced
// keeps its flag.
func (s *Store) commit(c Collection, envs []envelope, sticky bool) error {
	keys := make([][]byte, len(envs))
	for i, e := range envs {
		keys[i] = recordKey(c, e.ID)
	}
	unlock := s.locks.lockAll(keys)
	defer unlock()

	ops := make([]Op, 0, len(envs))
	for i, e := range envs {
		if sticky && c == Orders && !e.Synced {
			prev, err := s.load(keys[i])
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return writeErr("put", err)
			}
			if err == nil && prev.Synced {
				e.Synced = true
			}
		}
		b, err := json.Marshal(e)
		if err != nil {
			return writeErr("put", err)
		}
		ops = append(ops, Op{Key: keys[i], Value: b})
	}
	if err := s.be.Apply(ops); err != nil {
		return writeErr("commit", err)
	}
	return nil
}

func (s *Store) load(key []byte) (envelope, error) {
	v, err := s.be.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return envelope{}, fmt.Errorf("%s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return envelope{}, fmt.Errorf("get %s: %w", key, err)
	}
	var e envelope
	if err := json.Unmarshal(v, &e); err != nil {
		return envelope{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, nil
}

// Get returns the record or an error wrapping model.ErrNotFound.
func (s *Store) Get(c Collection, id string) (Entity, error) {
	if err := validate(c, id); err != nil {
		return Entity{}, err
	}
	e, err := s.load(recordKey(c, id))
	if err != nil {
		return Entity{}, err
	}
	return e.entity(), nil
}

// GetAll returns every record in the collection, ordered by id.
func (s *Store) GetAll(c Collection) ([]Entity, error) {
	envs, err := s.scan(c)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.entity())
	}
	return out, nil
}

func (s *Store) scan(c Collection) ([]envelope, error) {
	var out []envelope
	err := s.be.Range(collectionPrefix(c), func(key, value []byte) error {
		var e envelope
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", c, err)
	}
	return out, nil
}

// Delete removes one record. Deleting an absent record is not an error.
func (s *Store) Delete(c Collection, id string) error {
	if err := validate(c, id); err != nil {
		return err
	}
	key := recordKey(c, id)
	unlock := s.locks.lockAll([][]byte{key})
	defer unlock()
	if err := s.be.Apply([]Op{{Key: key, Delete: true}}); err != nil {
		return writeErr("delete", err)
	}
	return nil
}

// Clear removes every record in the collection in one batch.
func (s *Store) Clear(c Collection) error {
	var keys [][]byte
	err := s.be.Range(collectionPrefix(c), func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", c, err)
	}
	if len(keys) == 0 {
		return nil
	}
	unlock := s.locks.lockAll(keys)
	defer unlock()
	ops := make([]Op, len(keys))
	for i, k := range keys {
		ops[i] = Op{Key: k, Delete: true}
	}
	if err := s.be.Apply(ops); err != nil {
		return writeErr("clear", err)
	}
	return nil
}

// ClearAll empties every collection, as on logout.
func (s *Store) ClearAll() error {
	for _, c := range Collections {
		if err := s.Clear(c); err != nil {
			return err
		}
	}
	return nil
}
