package core

import (
	"bytes"
	"sync"

	"github.com/INLOpen/skiplist"
)

// BoundaryAccumulator maps raw row keys to a signed weight, ordered
// byte-lexicographically. Data file first keys add +1 and last keys add -1;
// the net map is turned into split points by a bulk-load boundary rule.
type BoundaryAccumulator struct {
	mu   sync.Mutex
	data *skiplist.SkipList[[]byte, int]
}

// NewBoundaryAccumulator returns an empty accumulator.
func NewBoundaryAccumulator() *BoundaryAccumulator {
	return &BoundaryAccumulator{
		data: skiplist.NewWithComparator[[]byte, int](bytes.Compare),
	}
}

// Add adjusts the weight stored at key by delta. Keys that net to zero are
// kept so callers can still observe them.
func (a *BoundaryAccumulator) Add(key []byte, delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := 0
	if node, ok := a.data.Seek(key); ok && bytes.Equal(node.Key(), key) {
		current = node.Value()
	}
	k := make([]byte, len(key))
	copy(k, key)
	a.data.Insert(k, current+delta)
}

// AddRange records one data file spanning [first, last].
func (a *BoundaryAccumulator) AddRange(first, last []byte) {
	a.Add(first, 1)
	a.Add(last, -1)
}

// Weight returns the accumulated weight at key.
func (a *BoundaryAccumulator) Weight(key []byte) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if node, ok := a.data.Seek(key); ok && bytes.Equal(node.Key(), key) {
		return node.Value(), true
	}
	return 0, false
}

// Len returns the number of distinct keys.
func (a *BoundaryAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.Len()
}

// Range calls fn for every key in ascending order until fn returns false.
func (a *BoundaryAccumulator) Range(fn func(key []byte, weight int) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	iter := a.data.NewIterator()
	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			return
		}
	}
}

// Entries returns a snapshot of the accumulator as ordered pairs.
func (a *BoundaryAccumulator) Entries() []WeightedKey {
	out := make([]WeightedKey, 0, a.Len())
	a.Range(func(key []byte, weight int) bool {
		out = append(out, WeightedKey{Key: key, Weight: weight})
		return true
	})
	return out
}

// WeightedKey is one accumulator entry.
type WeightedKey struct {
	Key    []byte
	Weight int
}
