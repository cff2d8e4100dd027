package pool

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/config"
	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/filelock"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
)

// Cleaner implements the mark-then-sweep reclamation pass over a pool
// shard's zero-count entries: the first pass a digest is found at zero
// it is only marked (S_IXOTH set), giving backups one full cycle to
// re-reference it; only a digest still at zero and still marked on a
// later pass is actually reclaimed.
type Cleaner struct {
	cfg *config.Config
}

// NewCleaner returns a Cleaner over cfg's pool.
func NewCleaner(cfg *config.Config) *Cleaner {
	return &Cleaner{cfg: cfg}
}

// Clean runs one mark-or-sweep pass over (class, shard), under the
// shard's exclusive lock, and reports the resulting stats through emit
// if emit is non-nil.
func (c *Cleaner) Clean(mctx *refcnt.MaintenanceContext, class, shard int, emit func(class, shard int, stats refcnt.Stats)) {
	lockPath := c.cfg.PoolShardLockPath(class, shard)
	lock, err := filelock.BlockingLock(lockPath)
	if err != nil {
		mctx.Record(refcnt.LockUnavailable, errors.Wrapf(err, "lock pool shard %d/%d", class, shard))
		return
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			mctx.Log.WithError(err).Warn("failed to release shard lock")
		}
	}()

	cntPath := c.cfg.PoolShardCntPath(class, shard)
	cm, err := countfile.ReadOrEmpty(cntPath)
	if err != nil {
		mctx.Record(refcnt.CorruptCountFile, errors.Wrapf(err, "read %s", cntPath))
		return
	}

	var stats refcnt.Stats
	mutated := false

	// Collect the zero-count entries up front: Sweep/mark below may
	// delete entries from cm, which Iterate forbids mutating during.
	var zeros []poolid.Digest
	_ = cm.Iterate(func(p countfile.Pair) error {
		if p.Count == 0 {
			zeros = append(zeros, p.Digest)
		}
		return nil
	})

	for _, d := range zeros {
		changed := c.processZeroEntry(mctx, class, d, cm, &stats)
		mutated = mutated || changed
	}

	if mutated {
		stagingSuffix := "." + strconv.Itoa(os.Getpid())
		if err := countfile.Write(cm, cntPath, stagingSuffix); err != nil {
			mctx.Record(refcnt.WriteFailed, errors.Wrapf(err, "write %s", cntPath))
		}
	}

	if emit != nil {
		emit(class, shard, stats)
	}
}

// processZeroEntry handles one zero-count digest: reclaims it if
// already marked from a prior pass, else marks it. Returns whether cm
// was mutated.
func (c *Cleaner) processZeroEntry(mctx *refcnt.MaintenanceContext, class int, d poolid.Digest, cm *countfile.CountMap, stats *refcnt.Stats) bool {
	path := c.cfg.PoolObjectPath(class, d)
	fi, err := os.Stat(path)
	if err != nil {
		return false // absent: nothing to mark or reclaim
	}
	if fi.Size() == 0 {
		return false
	}

	if fi.Mode().Perm()&otherExecuteBit != 0 {
		c.reclaim(mctx, class, d, path, fi, cm, stats)
		return true
	}

	if err := os.Chmod(path, modeMarked); err != nil {
		mctx.Record(refcnt.ChmodFailed, errors.Wrapf(err, "mark %s", path))
		return false
	}
	return false
}

// reclaim removes the storage backing a marked, still-unreferenced
// digest: unlinked outright if nothing downstream in its collision
// chain depends on its slot existing, else truncated to a zero-byte
// chain-hole placeholder so the chain never develops a gap.
func (c *Cleaner) reclaim(mctx *refcnt.MaintenanceContext, class int, d poolid.Digest, path string, fi os.FileInfo, cm *countfile.CountMap, stats *refcnt.Stats) {
	blocks := blockCount(path, fi)

	nextDigest := poolid.Concat(d, poolid.Ext(d)+1, class)
	nextPath := c.cfg.PoolObjectPath(class, nextDigest)

	if _, err := os.Stat(nextPath); err != nil {
		if err := os.Remove(path); err != nil {
			mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "reclaim %s", path))
			return
		}
	} else {
		if err := os.Truncate(path, 0); err != nil {
			mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "truncate chain hole %s", path))
			return
		}
		if err := os.Chmod(path, modeChainHole); err != nil {
			mctx.Record(refcnt.ChmodFailed, errors.Wrapf(err, "chmod chain hole %s", path))
			return
		}
	}

	cm.Delete(d)
	stats.FileCnt--
	stats.BlkCnt -= blocks
	stats.FileCntRm++
	stats.BlkCntRm += blocks

	mctx.Log.WithField("digest", d.Canonical().String()).WithField("class", class).Debug("reclaimed pool object")
}
