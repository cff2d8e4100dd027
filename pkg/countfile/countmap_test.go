package countfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/pkg/poolid"
)

func mustDigest(t *testing.T, hexStr string) poolid.Digest {
	t.Helper()
	d, err := poolid.Parse(hexStr)
	require.NoError(t, err)
	return d
}

func TestIncrAndGet(t *testing.T) {
	cm := New()
	a := mustDigest(t, "00112233445566778899001122334455")

	cm.Incr(a, 2)
	v, ok := cm.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 2, v)

	cm.Incr(a, -1)
	v, ok = cm.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	_, ok = cm.Get(mustDigest(t, "ffffffffffffffffffffffffffffffff"))
	require.False(t, ok)
}

func TestIncrClampsNegative(t *testing.T) {
	cm := New()
	a := mustDigest(t, "00112233445566778899001122334455")
	cm.Incr(a, -5)
	v, ok := cm.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 0, v)
	require.True(t, cm.Underflowed())
}

func TestDeleteAndLen(t *testing.T) {
	cm := New()
	a := mustDigest(t, "00112233445566778899001122334455")
	b := mustDigest(t, "ffffffffffffffffffffffffffffffff")
	cm.Incr(a, 1)
	cm.Incr(b, 1)
	require.Equal(t, 2, cm.Len())
	cm.Delete(a)
	require.Equal(t, 1, cm.Len())
	_, ok := cm.Get(a)
	require.False(t, ok)
}

func TestIterateStableOrder(t *testing.T) {
	cm := New()
	digests := []string{
		"ffffffffffffffffffffffffffffffff",
		"00112233445566778899001122334455",
		"aabbccddeeff00112233445566778899",
	}
	for _, hx := range digests {
		cm.Incr(mustDigest(t, hx), 1)
	}

	var seen []string
	for i := 0; i < 3; i++ {
		var order []string
		require.NoError(t, cm.Iterate(func(p Pair) error {
			order = append(order, p.Digest.String())
			return nil
		}))
		if i == 0 {
			seen = order
		} else {
			require.Equal(t, seen, order)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolCnt.0.00")

	cm := New()
	cm.Incr(mustDigest(t, "00112233445566778899001122334455"), 3)
	cm.Incr(mustDigest(t, "aabbccddeeff00112233445566778899"), 0)
	cm.Incr(mustDigest(t, poolid.EmptyMD5Hex), 7)

	require.NoError(t, Write(cm, path, ".new"))

	ok, err := Exists(path + ".new")
	require.NoError(t, err)
	require.False(t, ok, "staging file must not survive a successful write")

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, cm.Len(), got.Len())

	require.NoError(t, cm.Iterate(func(p Pair) error {
		v, ok := got.Get(p.Digest)
		require.True(t, ok)
		require.Equal(t, p.Count, v)
		return nil
	}))
}

func TestReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	ok, err := Exists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	require.False(t, ok)

	cm, err := ReadOrEmpty(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	require.Equal(t, 0, cm.Len())
}

func TestReadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolCnt.0.00")
	require.NoError(t, os.WriteFile(path, []byte("not a count file"), 0644))

	_, err := Read(path)
	require.ErrorIs(t, err, ErrCorrupt)
}
