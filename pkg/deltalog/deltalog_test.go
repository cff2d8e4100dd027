package deltalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/pkg/countfile"
	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

func mustDigest(t *testing.T, hexStr string) poolid.Digest {
	t.Helper()
	d, err := poolid.Parse(hexStr)
	require.NoError(t, err)
	return d
}

func TestWriterFlushAndLoadRoundTrip(t *testing.T) {
	hostDir := t.TempDir()
	a := mustDigest(t, "00112233445566778899001122334455")
	b := mustDigest(t, "aabbccddeeff00112233445566778899")

	w := Init(hostDir, 0, "pass1")
	w.Emit(a)
	w.Emit(a)
	w.Emit(b)
	f, err := w.Flush()
	require.NoError(t, err)
	require.Equal(t, 0, f.CompressionClass)
	require.True(t, IsDeltaFileName(filepath.Base(f.Path)))

	files, err := List(hostDir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	dm, err := Load(files[0])
	require.NoError(t, err)
	v, ok := dm.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 2, v)
	v, ok = dm.Get(b)
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	require.NoError(t, Delete(files[0]))
	require.NoError(t, Delete(files[0])) // deleting twice is not an error

	files, err = List(hostDir)
	require.NoError(t, err)
	require.Empty(t, files)
}

// TestLoadPreservesNegativeNetDelta is the regression case for the bug
// that motivated splitting DeltaMap out of CountMap: a delta file may
// legitimately carry a negative net value for a digest (more removals
// than additions across one backup run), and Load must hand that value
// back unclamped so it can be folded against existing counts later,
// rather than zeroing it out and flagging a spurious underflow before
// the fold ever happens.
func TestLoadPreservesNegativeNetDelta(t *testing.T) {
	hostDir := t.TempDir()
	a := mustDigest(t, "00112233445566778899001122334455")
	c := mustDigest(t, "aabbccddeeff00112233445566778899")

	dm := countfile.NewDelta()
	dm.Incr(a, -1)
	dm.Incr(c, 1)
	path := filepath.Join(hostDir, "poolCntDelta_0_manual")
	require.NoError(t, countfile.WriteDelta(dm, path, ".tmp"))

	loaded, err := Load(File{Path: path, CompressionClass: 0})
	require.NoError(t, err)
	v, ok := loaded.Get(a)
	require.True(t, ok)
	require.EqualValues(t, -1, v, "negative net delta must survive Load unclamped")

	// Only once it is folded against a durable CountMap does clamping
	// and underflow detection apply.
	cm := countfile.New()
	cm.Incr(a, 1) // existing reference this delta is removing
	loaded.ApplyTo(cm)
	got, ok := cm.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 0, got)
	require.False(t, cm.Underflowed())
}

func TestListIgnoresNonDeltaFiles(t *testing.T) {
	hostDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "LOCK"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(hostDir, "poolCntDelta_0_dir"), 0755))

	files, err := List(hostDir)
	require.NoError(t, err)
	require.Empty(t, files)
}
