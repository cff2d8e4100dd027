// Package host implements HostReconciler: for one host, fold pending
// delta files into its 256 authoritative shard files, or rebuild those
// shard files from scratch by walking the host's backup trees.
package host

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/config"
	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/deltalog"
	"github.com/poolrefcnt/poolrefcnt/pkg/filelock"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
	"github.com/poolrefcnt/poolrefcnt/pkg/walker"
)

const fsckMarkerPrefix = "needFsck"
const refCountUpdateMarker = "needFsck.refCountUpdate"
const numShards = 128
const numClasses = 2

// Reconciler implements HostReconciler against a single configuration
// and backup walker.
type Reconciler struct {
	cfg    *config.Config
	walker walker.Walker
}

// New returns a Reconciler. w is the BackupWalker collaborator used on
// the rebuild path; config.Config supplies every path convention.
func New(cfg *config.Config, w walker.Walker) *Reconciler {
	return &Reconciler{cfg: cfg, walker: w}
}

// Options narrows a single reconciliation call.
type Options struct {
	ForceRebuild  bool
	CheckHostPool bool // -c paired with -f: compare rebuilt counts against the prior ones
}

// Reconcile runs one maintenance pass against host. It never returns
// an error for conditions this engine treats as accumulate-and-continue
// (those are recorded on mctx instead); an error is returned only when
// the host directory cannot be created or the host lock cannot be
// acquired, where the host is skipped entirely and callers should not
// count it as reconciled.
func (r *Reconciler) Reconcile(mctx *refcnt.MaintenanceContext, host string, opts Options) error {
	hostDir := r.cfg.HostDir(host)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		mctx.Record(refcnt.WriteFailed, errors.Wrapf(err, "create host dir %s", hostDir))
		return err
	}

	lockPath := r.cfg.HostLockPath(host)
	lock, err := r.acquireHostLock(mctx, lockPath)
	if err != nil {
		mctx.Record(refcnt.LockUnavailable, err)
		return err
	}
	defer lock.Unlock()

	forceRebuild := opts.ForceRebuild

	markers, err := listMarkers(hostDir)
	if err != nil {
		mctx.Record(refcnt.WriteFailed, err)
	}
	if !forceRebuild && len(markers) > 0 {
		forceRebuild = true
	}
	if err := cleanStaleNew(hostDir); err != nil {
		mctx.Record(refcnt.WriteFailed, err)
	}

	errsBefore := mctx.ErrorCount()

	walkFailed := false
	if forceRebuild {
		if err := deleteAllDeltaFiles(hostDir); err != nil {
			mctx.Record(refcnt.WriteFailed, err)
		}
		r.rebuildDeltas(mctx, host, hostDir)
		walkFailed = mctx.ErrorCount() > errsBefore
	} else {
		markerPath := filepath.Join(hostDir, refCountUpdateMarker)
		if err := os.WriteFile(markerPath, nil, 0644); err != nil {
			mctx.Record(refcnt.WriteFailed, errors.Wrapf(err, "write %s", markerPath))
		}
	}

	accumulateCurrent := !forceRebuild
	r.mergeDeltas(mctx, host, hostDir, accumulateCurrent)

	r.finalizeShards(mctx, host, forceRebuild, opts.CheckHostPool, walkFailed)

	if forceRebuild {
		// A partially failed walk leaves the markers in place so the
		// next pass retries the rebuild instead of treating it as done.
		if !walkFailed {
			for _, m := range markers {
				if err := os.Remove(filepath.Join(hostDir, m)); err != nil && !os.IsNotExist(err) {
					mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "remove marker %s", m))
				}
			}
		}
	} else if mctx.ErrorCount() == errsBefore {
		markerPath := filepath.Join(hostDir, refCountUpdateMarker)
		if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
			mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "remove marker %s", markerPath))
		}
	}

	return nil
}

func (r *Reconciler) acquireHostLock(mctx *refcnt.MaintenanceContext, lockPath string) (*filelock.Lock, error) {
	lock, err := filelock.TryLock(lockPath)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, filelock.ErrBusy) {
		return nil, err
	}
	mctx.Log.WithField("lock", lockPath).Info("host lock busy, waiting")
	return filelock.BlockingLock(lockPath)
}

func listMarkers(hostDir string) ([]string, error) {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read host dir %s", hostDir)
	}
	var markers []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), fsckMarkerPrefix) {
			markers = append(markers, e.Name())
		}
	}
	return markers, nil
}

func cleanStaleNew(hostDir string) error {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read host dir %s", hostDir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "poolCntNew.") {
			if err := os.Remove(filepath.Join(hostDir, e.Name())); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "remove stale %s", e.Name())
			}
		}
	}
	return nil
}

func deleteAllDeltaFiles(hostDir string) error {
	files, err := deltalog.List(hostDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := deltalog.Delete(f); err != nil {
			return err
		}
	}
	return nil
}

// rebuildDeltas walks the host's backup trees through the BackupWalker
// collaborator, depositing fresh per-class delta files exactly as a
// backup run would, via the same deltalog.Writer.
func (r *Reconciler) rebuildDeltas(mctx *refcnt.MaintenanceContext, host, hostDir string) {
	backupsDir := r.cfg.HostBackupsDir(host)
	suffix := mctx.PassID.String()

	var writers [numClasses]*deltalog.Writer
	walkErr := r.walker.Walk(backupsDir, func(d poolid.Digest, class int) error {
		if class < 0 || class >= numClasses {
			return errors.Errorf("bad compression class %d for digest %s", class, d)
		}
		if writers[class] == nil {
			writers[class] = deltalog.Init(hostDir, class, suffix)
		}
		writers[class].Emit(d)
		return nil
	})
	if walkErr != nil {
		mctx.Record(refcnt.WriteFailed, errors.Wrap(walkErr, "walk backup tree"))
	}

	for _, w := range writers {
		if w == nil {
			continue
		}
		if _, err := w.Flush(); err != nil {
			mctx.Record(refcnt.WriteFailed, err)
		}
	}
}

// shardKey identifies one (compression class, shard) pair.
type shardKey struct {
	class int
	shard int
}

// mergeDeltas folds every pending delta file into each shard's working
// set, batched across every delta file present in this pass rather than
// reapplied per file. Delta application is commutative in the set of
// deltas applied, so merging every delta file's bucket for a shard
// before writing it once produces the identical poolCntNew.* as
// repeatedly reloading/resaving per file, without the redundant I/O.
func (r *Reconciler) mergeDeltas(mctx *refcnt.MaintenanceContext, host, hostDir string, accumulateCurrent bool) {
	files, err := deltalog.List(hostDir)
	if err != nil {
		mctx.Record(refcnt.WriteFailed, err)
		return
	}

	buckets := make(map[shardKey]*countfile.DeltaMap)
	bucket := func(k shardKey) *countfile.DeltaMap {
		b, ok := buckets[k]
		if !ok {
			b = countfile.NewDelta()
			buckets[k] = b
		}
		return b
	}

	loaded := 0
	for _, f := range files {
		dm, err := deltalog.Load(f)
		if err != nil {
			mctx.Record(refcnt.CorruptCountFile, err)
			continue
		}
		_ = dm.Iterate(func(p countfile.Pair) error {
			bucket(shardKey{class: f.CompressionClass, shard: p.Digest.Shard()}).Incr(p.Digest, p.Count)
			return nil
		})
		loaded++
	}

	// Ensure every shard with existing durable state is still swept even
	// if no delta file touched it this pass, so a shard that only ever
	// loses references keeps converging toward zero-entry cleanup.
	for class := 0; class < numClasses; class++ {
		for shard := 0; shard < numShards; shard++ {
			k := shardKey{class: class, shard: shard}
			if _, ok := buckets[k]; ok {
				continue
			}
			newPath := r.cfg.HostShardNewPath(host, class, shard)
			oldPath := r.cfg.HostShardPath(host, class, shard)
			if existsFile(newPath) || existsFile(oldPath) {
				buckets[k] = countfile.NewDelta()
			}
		}
	}

	for k, b := range buckets {
		r.applyShardDelta(mctx, host, k.class, k.shard, b, accumulateCurrent)
	}

	for _, f := range files {
		if err := deltalog.Delete(f); err != nil {
			mctx.Record(refcnt.WriteFailed, err)
		}
	}
}

func existsFile(path string) bool {
	ok, _ := countfile.Exists(path)
	return ok
}

func (r *Reconciler) applyShardDelta(mctx *refcnt.MaintenanceContext, host string, class, shard int, bucket *countfile.DeltaMap, accumulateCurrent bool) {
	newPath := r.cfg.HostShardNewPath(host, class, shard)
	oldPath := r.cfg.HostShardPath(host, class, shard)

	var w *countfile.CountMap
	if existsFile(newPath) {
		loaded, err := countfile.Read(newPath)
		if err != nil {
			mctx.Record(refcnt.CorruptCountFile, err)
			return
		}
		w = loaded
	} else {
		loaded, err := countfile.ReadOrEmpty(oldPath)
		if err != nil {
			mctx.Record(refcnt.CorruptCountFile, err)
			return
		}
		w = loaded
		if !accumulateCurrent {
			stripPositive(w)
		}
	}

	bucket.ApplyTo(w)
	if w.Underflowed() {
		mctx.Record(refcnt.CountUnderflow, errors.Errorf("host %s class %d shard %d: count went negative", host, class, shard))
	}

	sweepAgainstPoolFiles(r.cfg, class, w)

	if err := countfile.Write(w, newPath, ".new"); err != nil {
		mctx.Record(refcnt.WriteFailed, err)
	}
}

// stripPositive keeps zero-count entries (the "file exists, unreferenced"
// record PoolCleaner depends on) but removes every positive entry, so a
// rebuild starts from "nothing is referenced yet" without losing
// already-known-zero bookkeeping.
func stripPositive(w *countfile.CountMap) {
	var toDrop []poolid.Digest
	_ = w.Iterate(func(p countfile.Pair) error {
		if p.Count > 0 {
			toDrop = append(toDrop, p.Digest)
		}
		return nil
	})
	for _, d := range toDrop {
		w.Delete(d)
	}
}

// sweepAgainstPoolFiles drops zero-count entries whose pool object no
// longer exists on disk.
func sweepAgainstPoolFiles(cfg *config.Config, class int, w *countfile.CountMap) {
	var toDrop []poolid.Digest
	_ = w.Iterate(func(p countfile.Pair) error {
		if p.Count != 0 {
			return nil
		}
		path := cfg.PoolObjectPath(class, p.Digest)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			toDrop = append(toDrop, p.Digest)
		}
		return nil
	})
	for _, d := range toDrop {
		w.Delete(d)
	}
}

// finalizeShards promotes each shard's working set over its authoritative
// file. walkFailed means the rebuild walk that produced these working sets
// partially failed: no working set is promoted and none of the
// authoritative files are touched, since the one promoted would be
// incomplete and the pass must be retried from the untouched prior state.
func (r *Reconciler) finalizeShards(mctx *refcnt.MaintenanceContext, host string, forceRebuild, checkHostPool, walkFailed bool) {
	for class := 0; class < numClasses; class++ {
		for shard := 0; shard < numShards; shard++ {
			newPath := r.cfg.HostShardNewPath(host, class, shard)
			oldPath := r.cfg.HostShardPath(host, class, shard)

			if existsFile(newPath) {
				if walkFailed {
					if err := os.Remove(newPath); err != nil && !os.IsNotExist(err) {
						mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "remove partial rebuild %s", newPath))
					}
					continue
				}
				if forceRebuild && checkHostPool {
					compareHostShards(mctx, host, class, shard, oldPath, newPath)
				}
				if err := os.Rename(newPath, oldPath); err != nil {
					mctx.Record(refcnt.RenameFailed, errors.Wrapf(err, "rename %s to %s", newPath, oldPath))
					_ = os.Remove(newPath)
				}
				continue
			}
			if forceRebuild && !walkFailed && existsFile(oldPath) {
				if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
					mctx.Record(refcnt.UnlinkFailed, errors.Wrapf(err, "remove emptied shard %s", oldPath))
				}
			}
		}
	}
}

// compareHostShards implements poolCountHostNewCompare: diff the
// rebuilt working set against the prior durable one, reporting every
// per-digest discrepancy without preventing the rename that follows.
func compareHostShards(mctx *refcnt.MaintenanceContext, host string, class, shard int, oldPath, newPath string) {
	oldCM, err := countfile.ReadOrEmpty(oldPath)
	if err != nil {
		mctx.Record(refcnt.CorruptCountFile, err)
		return
	}
	newCM, err := countfile.Read(newPath)
	if err != nil {
		mctx.Record(refcnt.CorruptCountFile, err)
		return
	}

	seen := make(map[string]bool)
	_ = newCM.Iterate(func(p countfile.Pair) error {
		seen[string(p.Digest)] = true
		oldVal, _ := oldCM.Get(p.Digest)
		if oldVal != p.Count {
			mctx.Record(refcnt.CountMismatch, errors.Errorf(
				"host %s class %d shard %d digest %s: rebuilt=%d existing=%d",
				host, class, shard, p.Digest, p.Count, oldVal))
		}
		return nil
	})
	_ = oldCM.Iterate(func(p countfile.Pair) error {
		if seen[string(p.Digest)] {
			return nil
		}
		mctx.Record(refcnt.CountMismatch, errors.Errorf(
			"host %s class %d shard %d digest %s: rebuilt=missing existing=%d",
			host, class, shard, p.Digest, p.Count))
		return nil
	})
}
