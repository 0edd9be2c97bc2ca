package store

import (
	"hash/fnv"
	"sort"
	"sync"
)

const lockStripes = 64

// keyLocks serializes writers per key using a fixed set of striped mutexes.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newKeyLocks() *keyLocks { return &keyLocks{} }

func stripe(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % lockStripes)
}

// lockAll locks the stripes covering keys in ascending order and returns the unlock func.
func (l *keyLocks) lockAll(keys [][]byte) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := stripe(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
