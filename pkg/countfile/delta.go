package countfile

import (
	"io"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

// DeltaMap accumulates signed per-digest deltas without clamping:
// unlike CountMap, a negative running total is a normal, expected state
// here (a backup's deletions outnumbering its retained references for
// one digest so far), not an underflow. It shares CountMap's on-disk
// binary shape so a delta file round-trips through either type, but the
// two must never be confused about policy: only fold a DeltaMap's values
// into a CountMap via one final Incr per digest, at which point
// CountMap's clamp-and-flag behavior is the only place a genuine
// CountUnderflow gets detected.
type DeltaMap struct {
	table
}

// NewDelta returns an empty DeltaMap.
func NewDelta() *DeltaMap {
	return &DeltaMap{table: newTable()}
}

// Incr adds delta to digest's running total, defining it to delta if
// absent. No clamping: the result may be negative.
func (d *DeltaMap) Incr(digest poolid.Digest, delta int64) {
	d.table.add(digest, delta)
}

// Get returns the running total for digest and whether it is present.
func (d *DeltaMap) Get(digest poolid.Digest) (int64, bool) {
	return d.table.get(digest)
}

// Len returns the number of distinct digests tracked.
func (d *DeltaMap) Len() int {
	return d.table.len()
}

// Iterate calls fn for every (digest, delta) pair in stable digest order.
func (d *DeltaMap) Iterate(fn func(Pair) error) error {
	return d.table.iterate(fn)
}

// Merge folds every entry of other into d, adding deltas for digests
// present in both. Used to combine several delta files' contents into
// one running total before it is ever applied against a durable
// CountMap.
func (d *DeltaMap) Merge(other *DeltaMap) {
	_ = other.Iterate(func(p Pair) error {
		d.table.add(p.Digest, p.Count)
		return nil
	})
}

// ApplyTo folds every entry of d into cm via a single clamping Incr per
// digest — the one point where a negative net delta can legitimately
// drive an existing count to zero, or, if it would go further negative,
// trip CountMap's underflow detection.
func (d *DeltaMap) ApplyTo(cm *CountMap) {
	_ = d.Iterate(func(p Pair) error {
		cm.Incr(p.Digest, p.Count)
		return nil
	})
}

// LoadDelta parses a delta file into a DeltaMap, preserving whatever
// negative running totals it legitimately carries rather than clamping
// them away the way Read (for durable CountMap files) does.
func LoadDelta(path string) (*DeltaMap, error) {
	pairs, err := decodePairs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load delta file %s", path)
	}
	dm := NewDelta()
	for _, p := range pairs {
		dm.table.set(p.Digest, p.Count)
	}
	return dm, nil
}

// WriteDelta serializes dm to finalPath atomically, reusing the same
// staged-write-then-rename convention as Write.
func WriteDelta(dm *DeltaMap, finalPath, stagingSuffix string) error {
	return writeAtomic(finalPath, stagingSuffix, func(w io.Writer) error {
		return encodePairs(w, dm.Len(), dm.Iterate)
	})
}
