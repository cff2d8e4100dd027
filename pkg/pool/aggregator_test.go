package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/config"
	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
	"github.com/poolrefcnt/poolrefcnt/pkg/progress"
	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
)

func newTestContext() *refcnt.MaintenanceContext {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return refcnt.NewContext(context.Background(), logrus.NewEntry(log), progress.NewNull())
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	top := t.TempDir()
	return &config.Config{
		TopDir:   top,
		PoolDir:  filepath.Join(top, "pool"),
		CPoolDir: filepath.Join(top, "cpool"),
	}
}

func writePoolObject(t *testing.T, cfg *config.Config, class int, d poolid.Digest, contents string) {
	t.Helper()
	path := cfg.PoolObjectPath(class, d)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), modeLive))
}

func writeHostShard(t *testing.T, cfg *config.Config, host string, class, shard int, pairs map[string]int64) {
	t.Helper()
	cm := countfile.New()
	for hexDigest, count := range pairs {
		d, err := poolid.Parse(hexDigest)
		require.NoError(t, err)
		cm.Set(d, count)
	}
	require.NoError(t, countfile.Write(cm, cfg.HostShardPath(host, class, shard), ".tmp"))
}

// TestAggregateShardSumsOneHost covers one host whose shard file counts
// three references to a single pool object already on disk: the
// rewritten pool count must match the host's contribution exactly, and
// the derived stats must report one file with three total links.
func TestAggregateShardSumsOneHost(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)

	writePoolObject(t, cfg, 0, d, "payload")
	writeHostShard(t, cfg, "h", 0, d.Shard(), map[string]int64{d.String(): 3})

	a := New(cfg, []string{"h"}, 0)
	mctx := newTestContext()
	stats := a.aggregateShard(mctx, 0, d.Shard(), 0)

	require.Equal(t, 0, mctx.ErrorCount())
	require.EqualValues(t, 1, stats.FileCnt)
	require.EqualValues(t, 3, stats.FileLinkTotal)
	require.EqualValues(t, 3, stats.FileLinkMax)

	cnt, err := countfile.Read(cfg.PoolShardCntPath(0, d.Shard()))
	require.NoError(t, err)
	v, ok := cnt.Get(d)
	require.True(t, ok)
	require.EqualValues(t, 3, v)
}

// TestAggregateShardRemovesMisplacedFile covers a pool object file that
// was written under the wrong shard/sub-shard directory: reconciliation
// must delete it, record UnknownPoolObject, and must not count it toward
// the rewritten pool count.
func TestAggregateShardRemovesMisplacedFile(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)
	wrongShard := (d.Shard() + 1) % numShards

	misplacedDir := cfg.PoolSubShardDir(0, wrongShard, d.SubShard())
	require.NoError(t, os.MkdirAll(misplacedDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(misplacedDir, d.String()), []byte("x"), modeLive))

	a := New(cfg, nil, 0)
	mctx := newTestContext()
	stats := a.aggregateShard(mctx, 0, wrongShard, 0)

	require.Equal(t, 1, mctx.ErrorCount())
	require.Equal(t, 1, mctx.CountOf(refcnt.UnknownPoolObject))
	require.EqualValues(t, 0, stats.FileCnt)

	_, statErr := os.Stat(filepath.Join(misplacedDir, d.String()))
	require.True(t, os.IsNotExist(statErr))
}

// TestAggregateShardReportsMissingPoolObject covers a host shard file
// claiming a positive reference to a digest whose pool object is absent
// from disk: a MissingPoolObject error must be recorded.
func TestAggregateShardReportsMissingPoolObject(t *testing.T) {
	cfg := newTestConfig(t)
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)

	writeHostShard(t, cfg, "h", 0, d.Shard(), map[string]int64{d.String(): 1})

	a := New(cfg, []string{"h"}, 0)
	mctx := newTestContext()
	a.aggregateShard(mctx, 0, d.Shard(), 0)

	require.Equal(t, 1, mctx.CountOf(refcnt.MissingPoolObject))
}

func TestParsePoolObjectName(t *testing.T) {
	d, err := poolid.Parse("00112233445566778899001122334455")
	require.NoError(t, err)

	_, ok := parsePoolObjectName(d.String())
	require.True(t, ok)

	_, ok = parsePoolObjectName("not-hex")
	require.False(t, ok)

	_, ok = parsePoolObjectName("00")
	require.False(t, ok)
}
