package refcnt

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/poolrefcnt/poolrefcnt/pkg/progress"
)

func newTestContext() *MaintenanceContext {
	_, sink := progress.NewCapture()
	log := logrus.NewEntry(logrus.New())
	return NewContext(context.Background(), log, sink)
}

func TestRecordTallies(t *testing.T) {
	m := newTestContext()
	m.Record(MissingPoolObject, errors.New("boom"))
	m.Record(MissingPoolObject, errors.New("boom2"))
	m.Record(RenameFailed, errors.New("boom3"))
	m.Record(LockUnavailable, nil) // no-op

	require.Equal(t, 3, m.ErrorCount())
	require.Equal(t, 2, m.CountOf(MissingPoolObject))
	require.Equal(t, 1, m.CountOf(RenameFailed))
	require.Len(t, m.Reasons(), 3)
}

func TestForEachSequential(t *testing.T) {
	var order []int
	var mu sync.Mutex
	ForEach(context.Background(), 1, []int{1, 2, 3}, func(i int) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	})
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestForEachParallelVisitsAll(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	ForEach(context.Background(), 4, []int{1, 2, 3, 4, 5}, func(i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})
	require.Len(t, seen, 5)
}

func TestForEachSequentialStopsDispatchingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var order []int
	ForEach(ctx, 1, []int{1, 2, 3, 4}, func(i int) {
		order = append(order, i)
		if i == 2 {
			cancel()
		}
	})
	require.Equal(t, []int{1, 2}, order, "no item after the one that canceled ctx should run")
}

func TestErrorWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(BadArgs, nil))
	err := Wrap(BadArgs, errors.New("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "BadArgs")
}
