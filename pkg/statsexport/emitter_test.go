package statsexport

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
)

func TestEmitWritesLiteralLine(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, "pool")
	err := e.Emit(0, 5, refcnt.Stats{
		FileCnt:       3,
		DirCnt:        129,
		BlkCnt:        10,
		BlkCntRm:      -7,
		FileCntRm:     1,
		FileCntRep:    2,
		FileRepMax:    3,
		FileLinkMax:   4,
		FileLinkTotal: 6,
	})
	require.NoError(t, err)

	line := strings.TrimSpace(buf.String())
	require.Equal(t, "BackupPC_stats4 0.5 = pool,3,129,5,-4,1,2,3,4,6", line)
}

func TestRoundKBSignAware(t *testing.T) {
	require.EqualValues(t, 2, roundKB(4))
	require.EqualValues(t, 3, roundKB(5)) // ceil(2.5)
	require.EqualValues(t, -2, roundKB(-4))
	require.EqualValues(t, -3, roundKB(-5)) // floor(-2.5)
	require.EqualValues(t, 0, roundKB(0))
}
