package refcnt

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/poolrefcnt/poolrefcnt/pkg/progress"
)

// Stats accumulates the pool-size accounting a maintenance pass reports.
// Fields mirror the stats line StatsEmitter writes verbatim so it needs
// no further translation.
type Stats struct {
	FileCnt       int64
	DirCnt        int64
	BlkCnt        int64 // signed: see the kilobyte-rounding sign rule in statsexport
	BlkCntRm      int64
	FileCntRm     int64
	FileCntRep    int64
	FileRepMax    int64
	FileLinkMax   int64
	FileLinkTotal int64
}

// MaintenanceContext is the single value threaded through HostReconciler,
// PoolAggregator, PoolCleaner, and StatsEmitter, replacing the
// process-wide ErrorCnt/PoolStats counters this engine replaces with an
// explicit value.
type MaintenanceContext struct {
	Ctx      context.Context
	Log      *logrus.Entry
	Progress progress.Sink
	PassID   uuid.UUID

	mu      sync.Mutex
	tally   map[Kind]int
	reasons []string
}

// NewContext builds a fresh MaintenanceContext for one invocation.
func NewContext(ctx context.Context, log *logrus.Entry, sink progress.Sink) *MaintenanceContext {
	id := uuid.New()
	return &MaintenanceContext{
		Ctx:      ctx,
		Log:      log.WithField("pass_id", id.String()),
		Progress: sink,
		PassID:   id,
		tally:    make(map[Kind]int),
	}
}

// Record accumulates one error against its Kind and logs it, mirroring
// the "accumulate, never abort" error policy. A nil err is a no-op.
func (m *MaintenanceContext) Record(k Kind, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.tally[k]++
	m.reasons = append(m.reasons, (&Error{Kind: k, Err: err}).Error())
	m.mu.Unlock()
	m.Log.WithError(err).WithField("kind", k.String()).Warn("maintenance error")
}

// ErrorCount returns the total accumulated error count across all kinds,
// the value that decides the process exit status.
func (m *MaintenanceContext) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.tally {
		total += n
	}
	return total
}

// CountOf returns the accumulated count for one Kind.
func (m *MaintenanceContext) CountOf(k Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tally[k]
}

// Reasons returns a snapshot of every recorded error's rendered message,
// in recording order, for diagnostics and tests.
func (m *MaintenanceContext) Reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.reasons))
	copy(out, m.reasons)
	return out
}
