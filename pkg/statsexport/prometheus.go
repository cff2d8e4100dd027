package statsexport

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/poolrefcnt/poolrefcnt/pkg/refcnt"
	"github.com/poolrefcnt/poolrefcnt/pkg/ttl"
)

// shardGaugeTTL bounds how long a shard's gauges survive without being
// Set again. A pass restricted with -r only emits stats for the shards
// in its range, so stale gauges from shards outside it should age out
// rather than report indefinitely.
const shardGaugeTTL = 24 * time.Hour

var shardLabels = []string{"pool", "class", "shard"}

var (
	fileCount = ttl.NewGaugeVecWithTTL(prometheus.GaugeOpts{
		Name: "poolrefcnt_file_count",
		Help: "Pool object file count from this shard's most recent stats line.",
	}, shardLabels, shardGaugeTTL)

	sizeKB = ttl.NewGaugeVecWithTTL(prometheus.GaugeOpts{
		Name: "poolrefcnt_kb",
		Help: "Storage occupied by this shard's pool objects, in kilobytes.",
	}, shardLabels, shardGaugeTTL)

	removedKB = ttl.NewGaugeVecWithTTL(prometheus.GaugeOpts{
		Name: "poolrefcnt_removed_kb",
		Help: "Storage reclaimed from this shard by the most recent cleaner pass, in kilobytes.",
	}, shardLabels, shardGaugeTTL)

	removedFileCount = ttl.NewGaugeVecWithTTL(prometheus.GaugeOpts{
		Name: "poolrefcnt_removed_file_count",
		Help: "Pool objects reclaimed from this shard by the most recent cleaner pass.",
	}, shardLabels, shardGaugeTTL)

	linkTotal = ttl.NewGaugeVecWithTTL(prometheus.GaugeOpts{
		Name: "poolrefcnt_link_total",
		Help: "Sum of reference counts across this shard's pool objects.",
	}, shardLabels, shardGaugeTTL)

	linkMax = ttl.NewGaugeVecWithTTL(prometheus.GaugeOpts{
		Name: "poolrefcnt_link_max",
		Help: "Largest reference count held by a single pool object in this shard.",
	}, shardLabels, shardGaugeTTL)
)

// PrometheusSink owns the registry a metrics HTTP server serves.
type PrometheusSink struct {
	registry *prometheus.Registry
}

// NewPrometheusSink returns a sink with all shard gauges registered.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(fileCount, sizeKB, removedKB, removedFileCount, linkTotal, linkMax)
	return &PrometheusSink{registry: reg}
}

func (s *PrometheusSink) observe(poolName string, class, shard int, stats refcnt.Stats) {
	classStr, shardStr := strconv.Itoa(class), strconv.Itoa(shard)
	fileCount.WithLabelValues(poolName, classStr, shardStr).Set(float64(stats.FileCnt))
	sizeKB.WithLabelValues(poolName, classStr, shardStr).Set(float64(roundKB(stats.BlkCnt)))
	removedKB.WithLabelValues(poolName, classStr, shardStr).Set(float64(roundKB(stats.BlkCntRm)))
	removedFileCount.WithLabelValues(poolName, classStr, shardStr).Set(float64(stats.FileCntRm))
	linkTotal.WithLabelValues(poolName, classStr, shardStr).Set(float64(stats.FileLinkTotal))
	linkMax.WithLabelValues(poolName, classStr, shardStr).Set(float64(stats.FileLinkMax))
}

// Serve starts a /metrics HTTP server on addr and blocks until ctx is
// canceled, then shuts the server down gracefully.
func (s *PrometheusSink) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	server := &http.Server{Handler: mux}

	errs, ctx := errgroup.WithContext(ctx)
	errs.Go(func() error {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	errs.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
	return errs.Wait()
}
