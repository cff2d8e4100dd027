package pool

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

// TestCleanMarksFirstZeroPass covers a zero-count object seen for the
// first time: it must be marked (S_IXOTH set) rather than reclaimed, and
// must remain present in the rewritten count at zero.
func TestCleanMarksFirstZeroPass(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)
	writePoolObject(t, cfg, 0, d, "payload")

	cm := countfile.New()
	cm.Set(d, 0)
	require.NoError(t, countfile.Write(cm, cfg.PoolShardCntPath(0, d.Shard()), ".tmp"))

	cl := NewCleaner(cfg)
	mctx := newTestContext()
	cl.Clean(mctx, 0, d.Shard(), nil)
	require.Equal(t, 0, mctx.ErrorCount())

	fi, err := os.Stat(cfg.PoolObjectPath(0, d))
	require.NoError(t, err)
	require.NotZero(t, fi.Mode().Perm()&otherExecuteBit)

	got, err := countfile.Read(cfg.PoolShardCntPath(0, d.Shard()))
	require.NoError(t, err)
	v, ok := got.Get(d)
	require.True(t, ok)
	require.EqualValues(t, 0, v)
}

// TestCleanReclaimsMarkedLeaf covers a zero-count object already marked
// from a prior pass with no downstream chain link: it must be unlinked
// outright and dropped from the count map.
func TestCleanReclaimsMarkedLeaf(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)
	writePoolObject(t, cfg, 0, d, "payload")
	require.NoError(t, os.Chmod(cfg.PoolObjectPath(0, d), modeMarked))

	cm := countfile.New()
	cm.Set(d, 0)
	require.NoError(t, countfile.Write(cm, cfg.PoolShardCntPath(0, d.Shard()), ".tmp"))

	cl := NewCleaner(cfg)
	mctx := newTestContext()
	cl.Clean(mctx, 0, d.Shard(), nil)
	require.Equal(t, 0, mctx.ErrorCount())

	_, err = os.Stat(cfg.PoolObjectPath(0, d))
	require.True(t, os.IsNotExist(err))

	got, err := countfile.Read(cfg.PoolShardCntPath(0, d.Shard()))
	require.NoError(t, err)
	_, ok := got.Get(d)
	require.False(t, ok)
}

// TestCleanTruncatesChainHoleWhenNextLinkExists covers a marked,
// zero-count digest whose next chain slot is still occupied: the object
// must be truncated to an empty chain-hole placeholder instead of
// unlinked, so the chain never develops a gap.
func TestCleanTruncatesChainHoleWhenNextLinkExists(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)
	next := poolid.Concat(d, 1, 0)

	writePoolObject(t, cfg, 0, d, "payload")
	writePoolObject(t, cfg, 0, next, "chained payload")
	require.NoError(t, os.Chmod(cfg.PoolObjectPath(0, d), modeMarked))

	cm := countfile.New()
	cm.Set(d, 0)
	require.NoError(t, countfile.Write(cm, cfg.PoolShardCntPath(0, d.Shard()), ".tmp"))

	cl := NewCleaner(cfg)
	mctx := newTestContext()
	cl.Clean(mctx, 0, d.Shard(), nil)
	require.Equal(t, 0, mctx.ErrorCount())

	fi, err := os.Stat(cfg.PoolObjectPath(0, d))
	require.NoError(t, err)
	require.EqualValues(t, 0, fi.Size())
	require.Equal(t, modeChainHole, fi.Mode().Perm())
}

// TestCleanSkipsMissingObject covers a zero-count entry whose pool
// object file is already gone: Clean must leave the count map untouched
// rather than treating the miss as an error.
func TestCleanSkipsMissingObject(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)

	cm := countfile.New()
	cm.Set(d, 0)
	require.NoError(t, countfile.Write(cm, cfg.PoolShardCntPath(0, d.Shard()), ".tmp"))

	cl := NewCleaner(cfg)
	mctx := newTestContext()
	cl.Clean(mctx, 0, d.Shard(), nil)
	require.Equal(t, 0, mctx.ErrorCount())

	got, err := countfile.Read(cfg.PoolShardCntPath(0, d.Shard()))
	require.NoError(t, err)
	v, ok := got.Get(d)
	require.True(t, ok)
	require.EqualValues(t, 0, v)
}
