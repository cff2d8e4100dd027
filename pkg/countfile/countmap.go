// Package countfile implements CountMap: an in-memory digest->count table
// with ordered iteration, and its atomic on-disk binary representation.
package countfile

import (
	"sort"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

// entry pairs a digest with its signed count. The table keys entries by
// string(digest), since poolid.Digest is a []byte and therefore cannot
// key a Go map directly.
type entry struct {
	digest poolid.Digest
	count  int64
}

// table is the shared storage both CountMap (durable, clamped) and
// DeltaMap (transient, signed) build on, so the two share iteration
// order and the on-disk codec without sharing clamping policy.
type table struct {
	m map[string]*entry
}

func newTable() table {
	return table{m: make(map[string]*entry)}
}

func (t *table) get(d poolid.Digest) (int64, bool) {
	e, ok := t.m[string(d)]
	if !ok {
		return 0, false
	}
	return e.count, true
}

func (t *table) set(d poolid.Digest, count int64) {
	key := string(d)
	e, ok := t.m[key]
	if !ok {
		e = &entry{digest: append(poolid.Digest(nil), d...)}
		t.m[key] = e
	}
	e.count = count
}

func (t *table) add(d poolid.Digest, delta int64) int64 {
	key := string(d)
	e, ok := t.m[key]
	if !ok {
		e = &entry{digest: append(poolid.Digest(nil), d...)}
		t.m[key] = e
	}
	e.count += delta
	return e.count
}

func (t *table) delete(d poolid.Digest) {
	delete(t.m, string(d))
}

func (t *table) len() int {
	return len(t.m)
}

// Pair is one (digest, count) observation, returned by iteration.
type Pair struct {
	Digest poolid.Digest
	Count  int64
}

func (t *table) iterate(fn func(Pair) error) error {
	pairs := make([]Pair, 0, len(t.m))
	for _, e := range t.m {
		pairs = append(pairs, Pair{Digest: e.digest, Count: e.count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return string(pairs[i].Digest) < string(pairs[j].Digest)
	})
	for _, p := range pairs {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) clone() table {
	out := newTable()
	for k, e := range t.m {
		out.m[k] = &entry{digest: append(poolid.Digest(nil), e.digest...), count: e.count}
	}
	return out
}

// CountMap is a mapping digest -> signed count, for state that must be
// durable and therefore never negative: a count of zero is meaningful
// (the object exists in the pool but is currently unreferenced), but a
// negative result is a CountUnderflow bug, not a valid state, so Incr and
// Set clamp to zero and record it. For signed deltas that are legitimate
// mid-computation (a backup's pending +N/-N before it is folded against
// existing counts), use DeltaMap instead.
type CountMap struct {
	table
	underflow bool
}

// New returns an empty CountMap.
func New() *CountMap {
	return &CountMap{table: newTable()}
}

// Incr adds delta to digest's count, defining it to delta if absent.
// Negative results are clamped to zero; Underflowed reports whether that
// has ever happened on this map.
func (c *CountMap) Incr(d poolid.Digest, delta int64) {
	if c.table.add(d, delta) < 0 {
		c.table.set(d, 0)
		c.underflow = true
	}
}

// Underflowed reports whether any Incr/Set on this map clamped a
// negative result to zero.
func (c *CountMap) Underflowed() bool {
	return c.underflow
}

// Get returns the count for d and whether d is present. Callers must use
// the boolean to distinguish "absent" (never counted) from "zero"
// (counted, currently unreferenced).
func (c *CountMap) Get(d poolid.Digest) (int64, bool) {
	return c.table.get(d)
}

// Set assigns an absolute count for d, inserting it if absent. Used when
// rebuilding a map from a serialized or re-stat'd source rather than
// incrementally.
func (c *CountMap) Set(d poolid.Digest, count int64) {
	if count < 0 {
		count = 0
		c.underflow = true
	}
	c.table.set(d, count)
}

// Delete removes d from the map. A no-op if absent.
func (c *CountMap) Delete(d poolid.Digest) {
	c.table.delete(d)
}

// Len returns the number of distinct digests in the map.
func (c *CountMap) Len() int {
	return c.table.len()
}

// Iterate calls fn for every (digest, count) pair in a stable order
// (sorted by raw digest bytes) for the lifetime of one call. The map
// must not be mutated from within fn.
func (c *CountMap) Iterate(fn func(Pair) error) error {
	return c.table.iterate(fn)
}

// Clone returns a deep copy, used where a caller needs to mutate a
// working copy (e.g. PoolAggregator's C_new/C_copy pair) without
// aliasing the source.
func (c *CountMap) Clone() *CountMap {
	return &CountMap{table: c.table.clone(), underflow: c.underflow}
}
