package store

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// ErrKeyNotFound is returned by a Backend when the key is absent.
var ErrKeyNotFound = errors.New("key not found")

// Op is one write in an atomic batch.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Backend abstracts the durable key-value engine under the Store.
// Apply must commit all ops atomically and durably before returning nil.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Range(prefix []byte, fn func(key, value []byte) error) error
	Apply(ops []Op) error
	Close() error
}

// MemoryBackend is a thread-safe map backend. Nothing survives Close.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Range visits keys with the given prefix in key order. The callback runs without the lock held.
func (m *MemoryBackend) Range(prefix []byte, fn func(key, value []byte) error) error {
	type kv struct {
		k string
		v []byte
	}
	m.mu.RLock()
	var rows []kv
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			rows = append(rows, kv{k: k, v: append([]byte(nil), v...)})
		}
	}
	m.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].k < rows[j].k })
	for _, r := range rows {
		if err := fn([]byte(r.k), r.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Apply(ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(m.data, string(op.Key))
			continue
		}
		m.data[string(op.Key)] = append([]byte(nil), op.Value...)
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// prefixEnd returns the smallest key greater than every key with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
