// Package statsexport implements StatsEmitter: the literal accounting
// line a maintenance pass writes per (pool name, shard), plus an
// additive Prometheus surface that mirrors the same numbers as gauges.
package statsexport

import (
	"fmt"
	"io"
	"sync"

	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
)

// Emitter writes one accounting line per shard it's given, to w, and
// (when wired via WithPrometheus) publishes the same numbers as gauges.
// Emit is safe to call concurrently — the CLI's -j bounded parallelism
// may drive it from more than one shard worker — so writes to w are
// serialized.
type Emitter struct {
	mu       sync.Mutex
	w        io.Writer
	poolName string
	metrics  *PrometheusSink
}

// New returns an Emitter writing poolName's accounting lines to w.
func New(w io.Writer, poolName string) *Emitter {
	return &Emitter{w: w, poolName: poolName}
}

// WithPrometheus attaches a Prometheus sink so every Emit call also
// updates the corresponding gauge vector.
func (e *Emitter) WithPrometheus(sink *PrometheusSink) *Emitter {
	e.metrics = sink
	return e
}

// Emit writes one BackupPC_stats4 line for (class, shard) and, if a
// Prometheus sink is attached, updates its gauges.
func (e *Emitter) Emit(class, shard int, stats refcnt.Stats) error {
	line := formatLine(e.poolName, class, shard, stats)

	e.mu.Lock()
	_, err := fmt.Fprintln(e.w, line)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.observe(e.poolName, class, shard, stats)
	}
	return nil
}

// formatLine renders the literal accounting line:
// BackupPC_stats4 <class>.<shard> = <pool>,<fileCnt>,<dirCnt>,<kb>,<kbRm>,<fileCntRm>,<fileCntRep>,<fileRepMax>,<fileLinkMax>,<fileLinkTotal>
func formatLine(poolName string, class, shard int, s refcnt.Stats) string {
	return fmt.Sprintf("BackupPC_stats4 %d.%d = %s,%d,%d,%d,%d,%d,%d,%d,%d,%d",
		class, shard, poolName,
		s.FileCnt, s.DirCnt, roundKB(s.BlkCnt), roundKB(s.BlkCntRm),
		s.FileCntRm, s.FileCntRep, s.FileRepMax, s.FileLinkMax, s.FileLinkTotal)
}

// roundKB converts a count of 512-byte blocks to kilobytes: each block
// is half a kilobyte, so the exact value is blocks/2, rounded
// sign-aware at the .5 boundary — positive values round up, negative
// values round down — matching how a human reading "about N KB freed"
// expects removed-space accounting to round.
func roundKB(blocks int64) int64 {
	if blocks >= 0 {
		return (blocks + 1) / 2
	}
	if blocks%2 != 0 {
		return blocks/2 - 1
	}
	return blocks / 2
}
