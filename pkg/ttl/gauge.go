// Package ttl wraps a Prometheus GaugeVec so that label combinations
// nobody has Set recently expire and stop being reported, instead of
// accumulating forever. A pool shard that was last touched many passes
// ago (outside the shard range of recent passes) should drop out of
// /metrics rather than show a permanently stale value.
package ttl

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// minCleanUpPeriod floors the sweep cadence so a very short ttl doesn't
// spin the cleanup goroutine.
var minCleanUpPeriod = 10 * time.Second

// cleanUpPeriod scales the sweep cadence to ttl instead of sweeping on a
// fixed cadence regardless of ttl: the pool shard gauges in statsexport carry a
// 24-hour ttl, and waking every few minutes to find nothing expired
// would just be a needlessly busy goroutine for the life of the
// process. A quarter of ttl keeps the worst-case reporting lag after
// expiry bounded to a fraction of ttl itself.
func cleanUpPeriod(ttl time.Duration) time.Duration {
	p := ttl / 4
	if p < minCleanUpPeriod {
		return minCleanUpPeriod
	}
	return p
}

type labelWithValue struct {
	name  string
	value string
}

// GaugeVec is a prometheus.GaugeVec whose label combinations expire
// after ttl of inactivity.
type GaugeVec struct {
	labelName     []string
	ttl           time.Duration
	labelValueMap map[labelWithValue]time.Time
	mu            sync.Mutex
	*prometheus.GaugeVec
}

// GaugeWithTTL is one label combination's handle into a GaugeVec.
type GaugeWithTTL struct {
	labelValue []string
	vec        *GaugeVec
	gauge      prometheus.Gauge
}

// NewGaugeVecWithTTL returns a GaugeVec and starts its background
// expiry sweep, which runs for the lifetime of the process.
func NewGaugeVecWithTTL(opts prometheus.GaugeOpts, labelNames []string, ttl time.Duration) *GaugeVec {
	gv := &GaugeVec{
		labelName:     labelNames,
		ttl:           ttl,
		GaugeVec:      prometheus.NewGaugeVec(opts, labelNames),
		labelValueMap: make(map[labelWithValue]time.Time),
	}
	go gv.cleanUpExpired(cleanUpPeriod(ttl))
	return gv
}

func (gv *GaugeVec) cleanUpExpired(period time.Duration) {
	ticker := time.NewTicker(period)
	for range ticker.C {
		gv.mu.Lock()
		for k, expiry := range gv.labelValueMap {
			if time.Now().After(expiry) {
				gv.DeleteLabelValues(strings.Split(k.value, ",")...)
				delete(gv.labelValueMap, k)
			}
		}
		gv.mu.Unlock()
	}
}

// WithLabelValues returns the gauge handle for one label combination,
// refreshing its expiry every time Set is subsequently called on it.
func (gv *GaugeVec) WithLabelValues(val ...string) *GaugeWithTTL {
	return &GaugeWithTTL{
		vec:        gv,
		labelValue: val,
		gauge:      gv.GaugeVec.WithLabelValues(val...),
	}
}

// Set updates the gauge's value and pushes its expiry out by ttl.
func (gwt *GaugeWithTTL) Set(val float64) {
	gwt.vec.mu.Lock()
	gwt.vec.labelValueMap[labelWithValue{
		name:  strings.Join(gwt.vec.labelName, ","),
		value: strings.Join(gwt.labelValue, ","),
	}] = time.Now().Add(gwt.vec.ttl)
	gwt.vec.mu.Unlock()
	gwt.gauge.Set(val)
}
