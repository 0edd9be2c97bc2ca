package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// PebbleBackend implements Backend using PebbleDB. Batches commit with pebble.Sync.
type PebbleBackend struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleBackend, error) {
	opts := &pebble.Options{
		// The local cache is small; keep memtables modest so restarts replay quickly.
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 12,
		DisableWAL:            false,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleBackend{db: d}, nil
}

func (p *PebbleBackend) Close() error { return p.db.Close() }

func (p *PebbleBackend) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *PebbleBackend) Range(prefix []byte, fn func(key, value []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *PebbleBackend) Apply(ops []Op) error {
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, op := range ops {
		var err error
		if op.Delete {
			err = wb.Delete(op.Key, nil)
		} else {
			err = wb.Set(op.Key, op.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("pebble batch: %w", err)
		}
	}
	// Sync so an acknowledged write survives a crash.
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}
