// Package pool implements PoolAggregator: for one pool shard, sum every
// host's contribution, cross-check the result against the pool objects
// actually present on disk, and write the authoritative per-shard count.
package pool

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/poolrefcnt/poolrefcnt/config"
	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
)

const numClasses = 2
const numShards = 128

const (
	modeLive        os.FileMode = 0444
	modeMarked      os.FileMode = 0445 // modeLive | S_IXOTH
	modeChainHole   os.FileMode = 0644
	otherExecuteBit os.FileMode = 0001 // S_IXOTH within the permission bits
)

// Range restricts aggregation to top shards [Start, End], inclusive.
type Range struct {
	Start, End int
}

// DefaultRange covers every top shard.
func DefaultRange() Range { return Range{Start: 0, End: numShards - 1} }

// Aggregator sums host contributions into authoritative pool-shard
// counts. Invocation is the caller's responsibility to gate on
// error_count == 0 from any preceding host pass.
type Aggregator struct {
	cfg            *config.Config
	hosts          []string
	fullScanPeriod int // nightly full-scan period, one of {0,1,2,4,8,16}
}

// New returns an Aggregator over hosts, using fullScanPeriod (one of
// 0,1,2,4,8,16; 0 disables the periodic full scan) to decide which
// shards get a full re-stat this pass.
func New(cfg *config.Config, hosts []string, fullScanPeriod int) *Aggregator {
	return &Aggregator{cfg: cfg, hosts: hosts, fullScanPeriod: fullScanPeriod}
}

// Run aggregates every (class, shard) pair in rng and, if emit is
// non-nil, reports each shard's derived stats through it. Shards are
// aggregated one at a time; once mctx.Ctx is canceled no further shard
// is started.
func (a *Aggregator) Run(mctx *refcnt.MaintenanceContext, rng Range, phase int, emit func(class, shard int, stats refcnt.Stats)) {
	for class := 0; class < numClasses; class++ {
		for shard := rng.Start; shard <= rng.End; shard++ {
			if mctx.Ctx.Err() != nil {
				return
			}
			stats := a.aggregateShard(mctx, class, shard, phase)
			if emit != nil {
				emit(class, shard, stats)
			}
		}
	}
}

func (a *Aggregator) aggregateShard(mctx *refcnt.MaintenanceContext, class, shard, phase int) refcnt.Stats {
	var stats refcnt.Stats
	topDir := a.cfg.PoolShardDir(class, shard)
	cntPath := a.cfg.PoolShardCntPath(class, shard)

	if fi, err := os.Stat(topDir); err == nil && fi.IsDir() {
		stats.DirCnt++
	}

	cCurr, err := countfile.ReadOrEmpty(cntPath)
	if err != nil {
		mctx.Record(refcnt.CorruptCountFile, errors.Wrapf(err, "read %s", cntPath))
		cCurr = countfile.New()
	}

	cNew := countfile.New()
	cCopy := countfile.New()

	for _, host := range a.hosts {
		hostShardPath := a.cfg.HostShardPath(host, class, shard)
		hostCM, err := countfile.ReadOrEmpty(hostShardPath)
		if err != nil {
			mctx.Record(refcnt.CorruptCountFile, errors.Wrapf(err, "read %s", hostShardPath))
			continue
		}
		_ = hostCM.Iterate(func(p countfile.Pair) error {
			a.observeHostContribution(mctx, class, &stats, cCurr, p.Digest, p.Count)
			cNew.Incr(p.Digest, p.Count)
			cCopy.Incr(p.Digest, p.Count)
			cCurr.Incr(p.Digest, p.Count)
			return nil
		})
	}

	// Carry-forward zero entries: anything the prior pass already knew
	// about as reclaimable but that this pass's hosts said nothing
	// about must not be forgotten, or PoolCleaner would lose track of
	// it.
	_ = cCurr.Iterate(func(p countfile.Pair) error {
		if p.Count != 0 {
			return nil
		}
		if _, ok := cNew.Get(p.Digest); !ok {
			cNew.Set(p.Digest, 0)
			cCopy.Set(p.Digest, 0)
		}
		return nil
	})

	a.reconcileFilesystem(mctx, class, shard, &stats, cNew, cCopy)

	full := a.fullScanPeriod != 0 && (shard/8)%a.fullScanPeriod == phase%a.fullScanPeriod
	if full {
		a.restatExact(mctx, class, cNew, &stats)
	}

	a.deriveStats(cNew, &stats)
	a.checkMissing(mctx, class, shard, cNew, cCopy, &stats)

	stagingSuffix := "." + strconv.Itoa(os.Getpid())
	if err := countfile.Write(cNew, cntPath, stagingSuffix); err != nil {
		mctx.Record(refcnt.WriteFailed, errors.Wrapf(err, "write %s", cntPath))
	}

	return stats
}

// observeHostContribution implements the new-object / re-reference
// flag-clear logic: a pool object that either has never been counted
// before, or was counted at zero, and is now gaining a positive
// reference, has any pending delete mark cleared — a new referrer has
// appeared since the mark was set.
func (a *Aggregator) observeHostContribution(mctx *refcnt.MaintenanceContext, class int, stats *refcnt.Stats, cCurr *countfile.CountMap, d poolid.Digest, k int64) {
	prevCount, existed := cCurr.Get(d)
	isNew := !existed
	isZeroReref := existed && prevCount == 0 && k > 0

	if !isNew && !isZeroReref {
		return
	}

	path := a.cfg.PoolObjectPath(class, d)
	fi, err := os.Stat(path)
	if err != nil {
		return // stat failure is reported later, during the missing-file check
	}

	if isNew {
		stats.BlkCnt += blockCount(path, fi)
	}

	if k > 0 && fi.Mode().Perm()&otherExecuteBit != 0 {
		if err := os.Chmod(path, modeLive); err != nil {
			mctx.Record(refcnt.ChmodFailed, errors.Wrapf(err, "clear mark on %s", path))
		}
	}
}

func blockCount(path string, fi os.FileInfo) int64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0
	}
	return int64(st.Blocks)
}

// reconcileFilesystem walks every sub-shard directory of (class, shard),
// deleting entries that are not valid pool object names or that are
// misplaced, and folding previously-unknown-but-present objects into
// cNew as zero-count entries.
func (a *Aggregator) reconcileFilesystem(mctx *refcnt.MaintenanceContext, class, shard int, stats *refcnt.Stats, cNew, cCopy *countfile.CountMap) {
	for subShard := 0; subShard < numShards; subShard++ {
		dir := a.cfg.PoolSubShardDir(class, shard, subShard)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // sub-shard directory not yet created; nothing to reconcile
		}
		stats.DirCnt++

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if name == "LOCK" {
				continue
			}

			d, ok := parsePoolObjectName(name)
			if !ok {
				a.removeUnknown(mctx, dir, name, "Unknown pool file removed")
				continue
			}
			if d.Shard() != shard || d.SubShard() != subShard {
				a.removeUnknown(mctx, dir, name, "Unexpected pool file removed")
				continue
			}

			if _, ok := cNew.Get(d); !ok {
				cNew.Set(d, 0)
				if fi, err := e.Info(); err == nil {
					stats.BlkCnt += blockCount(filepath.Join(dir, name), fi)
				}
			} else {
				cCopy.Delete(d)
			}
		}
	}
}

func (a *Aggregator) removeUnknown(mctx *refcnt.MaintenanceContext, dir, name, reason string) {
	path := filepath.Join(dir, name)
	if err := os.Remove(path); err != nil {
		mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "%s: %s", reason, path))
		return
	}
	mctx.Record(refcnt.UnknownPoolObject, errors.Errorf("%s: %s", reason, path))
}

// parsePoolObjectName validates that name is a well-formed pool object
// filename (32-48 hex characters, i.e. a 16-byte digest optionally
// extended by up to 8 collision bytes) and decodes it.
func parsePoolObjectName(name string) (poolid.Digest, bool) {
	if len(name)%2 != 0 || len(name) < 32 || len(name) > 48 {
		return nil, false
	}
	if _, err := hex.DecodeString(name); err != nil {
		return nil, false
	}
	d, err := poolid.Parse(name)
	if err != nil {
		return nil, false
	}
	return d, true
}

// restatExact replaces the relative block-count accumulation with an
// exact re-stat of every object in cNew, for the shards selected by the
// full-scan schedule this pass.
func (a *Aggregator) restatExact(mctx *refcnt.MaintenanceContext, class int, cNew *countfile.CountMap, stats *refcnt.Stats) {
	var total int64
	_ = cNew.Iterate(func(p countfile.Pair) error {
		path := a.cfg.PoolObjectPath(class, p.Digest)
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return nil // missing-file check handles reporting
		}
		total += int64(st.Blocks)
		return nil
	})
	stats.BlkCnt = total
}

// deriveStats iterates the final cNew to count objects, link totals, and
// chain-extension bookkeeping. EmptyMD5 never contributes to fileLinkMax.
func (a *Aggregator) deriveStats(cNew *countfile.CountMap, stats *refcnt.Stats) {
	_ = cNew.Iterate(func(p countfile.Pair) error {
		stats.FileCnt++
		stats.FileLinkTotal += p.Count
		if !p.Digest.IsEmpty() && p.Count > stats.FileLinkMax {
			stats.FileLinkMax = p.Count
		}
		if ext := poolid.Ext(p.Digest); ext > 0 {
			stats.FileCntRep++
			if int64(ext) > stats.FileRepMax {
				stats.FileRepMax = int64(ext)
			}
		}
		return nil
	})
}

// checkMissing iterates cCopy — the set of digests the host sum claimed
// but that filesystem reconciliation never confirmed as present — and
// either silently drops now-gone zero entries or reports a genuine
// MissingPoolObject error for positive ones.
func (a *Aggregator) checkMissing(mctx *refcnt.MaintenanceContext, class, shard int, cNew, cCopy *countfile.CountMap, stats *refcnt.Stats) {
	_ = cCopy.Iterate(func(p countfile.Pair) error {
		if p.Count == 0 {
			cNew.Delete(p.Digest)
			stats.FileCnt--
			return nil
		}
		if p.Digest.IsEmpty() {
			return nil
		}
		mctx.Record(refcnt.MissingPoolObject, errors.Errorf(
			"class %d shard %d: missing pool file %s count %d", class, shard, p.Digest, p.Count))
		return nil
	})
}
