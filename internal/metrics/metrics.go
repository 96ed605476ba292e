// Package metrics implements Metrics & Health (C11): per-pool counters,
// cache hit/miss ratios, aggregate health derivation, and Prometheus
// exposition.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netresearch/authcache/internal/authcache"
	"github.com/netresearch/authcache/internal/dirpool"
	"github.com/netresearch/authcache/internal/kvpool"
	"github.com/netresearch/authcache/internal/mtls"
)

// Status is the aggregate health tri-state a pool or the service overall can
// be in, mirroring the teacher's CacheHealth enum.
type Status int32

const (
	StatusUp Status = iota
	StatusDegraded
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDegraded:
		return "degraded"
	default:
		return "down"
	}
}

// Prometheus collectors, grounded on the teacher pack's package-level
// promauto-free var declarations (wisbric-nightowl internal/telemetry).
var (
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authcache",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total number of authenticate() calls by outcome.",
		},
		[]string{"outcome"},
	)

	// cacheHitsTotal, cacheMissesTotal and fillsCoalescedTotal mirror
	// authcache.Cache's own cumulative counters (it has no Prometheus
	// dependency of its own); Collector.Snapshot refreshes them from
	// authcache.Statistics on every scrape.
	cacheHitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "authcache",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cumulative number of cache hits by tier.",
		},
		[]string{"tier"},
	)

	cacheMissesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "authcache",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cumulative number of cache misses across all tiers.",
		},
	)

	fillsCoalescedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "authcache",
			Subsystem: "cache",
			Name:      "fills_coalesced_total",
			Help:      "Cumulative number of directory fills coalesced by singleflight.",
		},
	)

	poolHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "authcache",
			Subsystem: "pool",
			Name:      "healthy",
			Help:      "1 if the named pool's last health check succeeded, 0 otherwise.",
		},
		[]string{"pool"},
	)

	authDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authcache",
			Subsystem: "auth",
			Name:      "response_duration_seconds",
			Help:      "authenticate() response time in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"outcome"},
	)
)

// Collectors returns every metric registered by this package, for
// registration against a *prometheus.Registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		authAttemptsTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		fillsCoalescedTotal,
		poolHealthGauge,
		authDuration,
	}
}

// RecordAuthOutcome records one authenticate() call's outcome and duration.
func RecordAuthOutcome(outcome string, d time.Duration) {
	authAttemptsTotal.WithLabelValues(outcome).Inc()
	authDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordPoolHealth publishes a pool's last health-check result.
func RecordPoolHealth(pool string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}

	poolHealthGauge.WithLabelValues(pool).Set(v)
}

// KVPinger, DocPinger and DirPinger are the narrow health-check surfaces
// this package needs from each pool, kept separate from kvStore/docStore/
// directory in internal/authcache since health checks only ever call Stats.
type KVPinger interface {
	Stats() kvpool.Stats
}

type DocPinger interface {
	Stats() mtls.PoolStats
}

type DirPinger interface {
	Stats() dirpool.Stats
}

// Collector snapshots pool and cache statistics into a single health report,
// matching the teacher's Metrics/SummaryStats split (internal/ldap_cache/metrics.go).
type Collector struct {
	cache *authcache.Cache
	kv    KVPinger
	doc   DocPinger
	dir   DirPinger

	startTime time.Time

	lastAuthSuccess int64
	lastAuthFailure int64
}

// New constructs a Collector. kv/doc/dir may be nil when that tier is not
// configured, per spec §8 scenario 3 ("L2 unhealthy").
func New(cache *authcache.Cache, kv KVPinger, doc DocPinger, dir DirPinger) *Collector {
	return &Collector{cache: cache, kv: kv, doc: doc, dir: dir, startTime: time.Now()}
}

// RecordAuth updates the collector's own counters in addition to the
// package-level Prometheus ones, so health reports can include recent
// auth activity without scraping Prometheus.
func (c *Collector) RecordAuth(success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
		atomic.AddInt64(&c.lastAuthSuccess, 1)
	} else {
		atomic.AddInt64(&c.lastAuthFailure, 1)
	}

	RecordAuthOutcome(outcome, d)
}

// PoolReport is one pool's health snapshot.
type PoolReport struct {
	Name    string       `json:"name"`
	Present bool         `json:"present"`
	Status  string       `json:"status"`
	Stats   mtls.PoolStats `json:"stats,omitempty"`
}

// Report is the aggregate health/metrics snapshot, the JSON body of a
// /health response.
type Report struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Cache         authcache.Statistics   `json:"cache"`
	Pools         []PoolReport           `json:"pools"`
	AuthSuccesses int64                  `json:"auth_successes"`
	AuthFailures  int64                  `json:"auth_failures"`
}

// Snapshot builds a Report from the current pool and cache state, and
// refreshes the cache-related Prometheus gauges from it.
func (c *Collector) Snapshot() Report {
	pools := []PoolReport{
		c.poolReportKV(),
		c.poolReportDoc(),
		c.poolReportDir(),
	}

	overall := aggregateStatus(pools)
	cacheStats := c.cache.Stats()

	cacheHitsTotal.WithLabelValues("L1").Set(float64(cacheStats.HitsL1))
	cacheHitsTotal.WithLabelValues("L2").Set(float64(cacheStats.HitsL2))
	cacheHitsTotal.WithLabelValues("L3").Set(float64(cacheStats.HitsL3))
	cacheMissesTotal.Set(float64(cacheStats.Misses))
	fillsCoalescedTotal.Set(float64(cacheStats.FillsCoalesced))

	return Report{
		Status:        overall.String(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Cache:         cacheStats,
		Pools:         pools,
		AuthSuccesses: atomic.LoadInt64(&c.lastAuthSuccess),
		AuthFailures:  atomic.LoadInt64(&c.lastAuthFailure),
	}
}

func (c *Collector) poolReportKV() PoolReport {
	if c.kv == nil {
		return PoolReport{Name: "kv", Present: false, Status: StatusDegraded.String()}
	}

	stats := c.kv.Stats()
	RecordPoolHealth("kv", stats.PoolStats.Healthy)

	return PoolReport{Name: "kv", Present: true, Status: statusFor(stats.PoolStats).String(), Stats: stats.PoolStats}
}

func (c *Collector) poolReportDoc() PoolReport {
	if c.doc == nil {
		return PoolReport{Name: "doc", Present: false, Status: StatusDegraded.String()}
	}

	stats := c.doc.Stats()
	RecordPoolHealth("doc", stats.Healthy)

	return PoolReport{Name: "doc", Present: true, Status: statusFor(stats).String(), Stats: stats}
}

func (c *Collector) poolReportDir() PoolReport {
	if c.dir == nil {
		return PoolReport{Name: "directory", Present: false, Status: StatusDown.String()}
	}

	stats := c.dir.Stats()
	RecordPoolHealth("directory", stats.PoolStats.Healthy)

	return PoolReport{Name: "directory", Present: true, Status: statusFor(stats.PoolStats).String(), Stats: stats.PoolStats}
}

// statusFor derives a tri-state Status from a pool's success rate, mirroring
// the teacher's error-rate thresholding in updateHealthStatus.
func statusFor(s mtls.PoolStats) Status {
	if s.Attempts == 0 {
		return StatusUp
	}

	rate := s.SuccessRate()

	switch {
	case rate >= 0.95:
		return StatusUp
	case rate >= 0.5:
		return StatusDegraded
	default:
		return StatusDown
	}
}

// aggregateStatus implements spec §4.11's health derivation: the directory
// pool (L4) is mandatory, so its failure is fatal; L2/L3 absence or
// degradation only downgrades the overall status.
func aggregateStatus(pools []PoolReport) Status {
	worst := StatusUp

	for _, p := range pools {
		if p.Name == "directory" {
			if !p.Present || p.Status == StatusDown.String() {
				return StatusDown
			}

			if p.Status == StatusDegraded.String() && worst == StatusUp {
				worst = StatusDegraded
			}

			continue
		}

		if !p.Present || p.Status != StatusUp.String() {
			if worst == StatusUp {
				worst = StatusDegraded
			}
		}
	}

	return worst
}
