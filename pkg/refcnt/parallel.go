package refcnt

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs fn(items[i]) for every i, bounded to at most concurrency
// simultaneous calls. concurrency <= 1 runs strictly sequentially,
// reproducing a single-threaded baseline byte-for-byte in iteration
// order; concurrency > 1 exercises the parallelism permitted across
// hosts or shards, provided the locking discipline is preserved — which
// is the caller's responsibility, not this helper's.
//
// ctx is checked before dispatching each item: once it is done (a
// caught SIGINT/SIGTERM canceled it), no further item is started, but
// any unit already running is left to finish rather than interrupted.
//
// A single item's error is recorded by the caller (typically via
// MaintenanceContext.Record) rather than returned here: one host or
// shard failing must never abort its siblings, so ForEach itself never
// returns an error from fn.
func ForEach[T any](ctx context.Context, concurrency int, items []T, fn func(T)) {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency == 1 || len(items) <= 1 {
		for _, it := range items {
			if ctx.Err() != nil {
				return
			}
			fn(it)
		}
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, it := range items {
		it := it
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(it)
			return nil
		})
	}
	_ = g.Wait()
}
