// Package app wires HostReconciler, PoolAggregator, PoolCleaner, and
// StatsEmitter together into the single-host/global invocation modes.
package app

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/poolrefcnt/poolrefcnt/cmd/poolrefcnt/pkg/command"
	"github.com/poolrefcnt/poolrefcnt/config"
	"github.com/poolrefcnt/poolrefcnt/pkg/history"
	"github.com/poolrefcnt/poolrefcnt/pkg/host"
	"github.com/poolrefcnt/poolrefcnt/pkg/pool"
	"github.com/poolrefcnt/poolrefcnt/pkg/progress"
	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
	"github.com/poolrefcnt/poolrefcnt/pkg/statsexport"
	"github.com/poolrefcnt/poolrefcnt/pkg/walker"
)

const numCompressionClasses = 2

// Run dispatches to single-host or global mode per args, appends a
// history record, and returns the accumulated error count (the caller
// exits with status 1 when it is non-zero).
func Run(ctx context.Context, args *command.Args, cfg *config.Config) (int, error) {
	ledger, err := history.Open(cfg.TopDir)
	if err != nil {
		return 1, errors.Wrap(err, "open history ledger")
	}
	defer ledger.Close()

	if args.HistoryTail > 0 {
		return 0, printHistory(ledger, args.HistoryTail)
	}

	rng, err := command.ParseShardRange(args.ShardRange)
	if err != nil {
		return 1, err
	}

	sink := progressSink(args.Quiet)
	log := logrus.NewEntry(logrus.StandardLogger())
	mctx := refcnt.NewContext(ctx, log, sink)

	mctx.Progress.Start(os.Getpid())
	defer mctx.Progress.Stop()

	var prom *statsexport.PrometheusSink
	if args.MetricsAddr != "" {
		prom = statsexport.NewPrometheusSink()
		go func() {
			if err := prom.Serve(ctx, args.MetricsAddr); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	started := time.Now()
	rec := history.Record{
		PassID:     mctx.PassID.String(),
		StartedAt:  started,
		ShardStart: rng.Start,
		ShardEnd:   rng.End,
	}

	if args.Host != "" {
		rec.Mode = "single-host"
		rec.Host = args.Host
		runSingleHost(mctx, cfg, args)
	} else {
		rec.Mode = "global"
		runGlobal(mctx, cfg, args, rng, prom)
	}

	rec.Duration = time.Since(started)
	rec.ErrorCount = mctx.ErrorCount()
	if err := ledger.Append(rec); err != nil {
		mctx.Log.WithError(err).Warn("failed to append history record")
	}

	return mctx.ErrorCount(), nil
}

func progressSink(quiet bool) progress.Sink {
	if quiet {
		return progress.NewNull()
	}
	return progress.NewStdout(os.Stdout)
}

func runSingleHost(mctx *refcnt.MaintenanceContext, cfg *config.Config, args *command.Args) {
	mctx.Progress.State("host:" + args.Host)
	r := host.New(cfg, walker.FileManifestWalker{})
	opts := host.Options{ForceRebuild: args.ForceRebuild, CheckHostPool: args.CleanPool}
	if err := r.Reconcile(mctx, args.Host, opts); err != nil {
		mctx.Record(refcnt.LockUnavailable, errors.Wrapf(err, "reconcile host %s", args.Host))
	}
	mctx.Progress.FileCount(1, 1)
}

func runGlobal(mctx *refcnt.MaintenanceContext, cfg *config.Config, args *command.Args, rng pool.Range, prom *statsexport.PrometheusSink) {
	if args.ForceRebuild {
		mctx.Progress.State("rebuild")
		r := host.New(cfg, walker.FileManifestWalker{})
		total := len(cfg.Hosts)
		var done atomic.Int64
		refcnt.ForEach(mctx.Ctx, args.Parallelism, cfg.Hosts, func(h string) {
			if err := r.Reconcile(mctx, h, host.Options{ForceRebuild: true, CheckHostPool: args.CleanPool}); err != nil {
				mctx.Record(refcnt.LockUnavailable, errors.Wrapf(err, "reconcile host %s", h))
			}
			mctx.Progress.FileCount(int(done.Add(1)), total)
		})
		if mctx.ErrorCount() != 0 {
			mctx.Log.Warn("skipping aggregation: host pass reported errors")
			return
		}
	}

	emitStats := args.ShowStats || args.CleanPool
	var emitter *statsexport.Emitter
	if emitStats {
		emitter = statsexport.New(os.Stdout, cfg.PoolDir)
		if prom != nil {
			emitter = emitter.WithPrometheus(prom)
		}
	}

	shardCount := rng.End - rng.Start + 1

	mctx.Progress.State("aggregate")
	var aggregated atomic.Int64
	agg := pool.New(cfg, cfg.Hosts, cfg.PoolSizeNightlyUpdatePeriod)
	emitFn := func(class, shard int, stats refcnt.Stats) {
		if emitter != nil {
			if err := emitter.Emit(class, shard, stats); err != nil {
				mctx.Log.WithError(err).Warn("failed to emit stats line")
			}
		}
	}
	aggregateEmitFn := func(class, shard int, stats refcnt.Stats) {
		emitFn(class, shard, stats)
		mctx.Progress.FileCount(int(aggregated.Add(1)), shardCount*numCompressionClasses)
	}
	agg.Run(mctx, rng, args.Phase, aggregateEmitFn)

	if args.CleanPool {
		mctx.Progress.State("clean")
		var cleaned atomic.Int64
		cl := pool.NewCleaner(cfg)
		var shards []int
		for shard := rng.Start; shard <= rng.End; shard++ {
			shards = append(shards, shard)
		}
		for class := 0; class < numCompressionClasses; class++ {
			class := class
			refcnt.ForEach(mctx.Ctx, args.Parallelism, shards, func(shard int) {
				cl.Clean(mctx, class, shard, emitFn)
				mctx.Progress.FileCount(int(cleaned.Add(1)), shardCount*numCompressionClasses)
			})
		}
	}
}

func printHistory(l *history.Ledger, n int) error {
	records, err := l.Tail(n)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s\t%s\tmode=%s host=%s shards=[%d,%d] errors=%d duration=%s\n",
			r.PassID, r.StartedAt.Format(time.RFC3339), r.Mode, r.Host, r.ShardStart, r.ShardEnd, r.ErrorCount, r.Duration)
	}
	return nil
}
