package store

import (
	"encoding/json"
	"fmt"
	"io"
)

// dump is the portable JSON form of the whole store.
type dump map[Collection][]envelope

// Export writes every collection as one JSON document.
func (s *Store) Export(w io.Writer) error {
	out := make(dump, len(Collections))
	for _, c := range Collections {
		envs, err := s.scan(c)
		if err != nil {
			return err
		}
		out[c] = envs
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Import replaces each collection present in the document with its contents. Records keep
// their timestamps and synced flags. The whole document is validated first and then written
// as one batch, so a rejected or failed import leaves the store as it was.
func (s *Store) Import(r io.Reader) error {
	var in dump
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	var (
		keys [][]byte
		sets []Op
	)
	incoming := make(map[string]struct{})
	for _, c := range Collections {
		envs, ok := in[c]
		if !ok {
			continue
		}
		for _, e := range envs {
			if err := validate(c, e.ID); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("import: encode %s/%s: %w", c, e.ID, err)
			}
			key := recordKey(c, e.ID)
			incoming[string(key)] = struct{}{}
			keys = append(keys, key)
			sets = append(sets, Op{Key: key, Value: b})
		}
	}

	var dels []Op
	for _, c := range Collections {
		if _, ok := in[c]; !ok {
			continue
		}
		err := s.be.Range(collectionPrefix(c), func(key, _ []byte) error {
			if _, keep := incoming[string(key)]; keep {
				return nil
			}
			k := append([]byte(nil), key...)
			keys = append(keys, k)
			dels = append(dels, Op{Key: k, Delete: true})
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", c, err)
		}
	}
	if len(dels)+len(sets) == 0 {
		return nil
	}

	unlock := s.locks.lockAll(keys)
	defer unlock()
	if err := s.be.Apply(append(dels, sets...)); err != nil {
		return writeErr("import", err)
	}
	return nil
}
