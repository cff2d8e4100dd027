package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAndTailOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(Record{
			PassID:     "pass-" + string(rune('a'+i)),
			StartedAt:  time.Unix(int64(i), 0),
			Duration:   time.Second,
			Mode:       "global",
			ShardStart: 0,
			ShardEnd:   127,
			ErrorCount: i,
		}))
	}

	tail, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, "pass-b", tail[0].PassID)
	require.Equal(t, "pass-c", tail[1].PassID)
}

func TestTailMoreThanAvailable(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Record{PassID: "only", Mode: "single-host"}))

	tail, err := l.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "only", tail[0].PassID)
}
