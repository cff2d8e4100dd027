package poolid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	d, err := Parse("d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	require.Equal(t, EmptyMD5Hex, d.String())
	require.True(t, d.IsEmpty())
}

func TestShardDerivation(t *testing.T) {
	d, err := Parse("feedfacedeadbeef0000000000000000")
	require.NoError(t, err)
	require.Equal(t, int(0xfe>>1), d.Shard())
	require.Equal(t, int(0xed>>1), d.SubShard())
	require.Equal(t, "FE", ShardHex(d.Shard()))
}

func TestChainExtension(t *testing.T) {
	d, err := Parse("0011223344556677889900112233445")
	require.Error(t, err) // odd-length hex is malformed
	require.Nil(t, d)

	d, err = Parse("00112233445566778899001122334455")
	require.NoError(t, err)
	require.Equal(t, 0, Ext(d))

	ext1 := Concat(d, 1, 0)
	require.Equal(t, PrimaryLen+1, len(ext1))
	require.Equal(t, 1, Ext(ext1))
	require.True(t, ext1.Primary().Equal(d.Primary()))

	ext2 := Concat(d, 2, 1)
	require.Equal(t, 2, Ext(ext2))
	require.False(t, ext1.Equal(ext2))
}

func TestEqual(t *testing.T) {
	a, _ := Parse("00112233445566778899001122334455")
	b, _ := Parse("00112233445566778899001122334455")
	c, _ := Parse("ffffffffffffffffffffffffffffffff")
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}
