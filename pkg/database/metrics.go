package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// poolGauges is the subset of pool statistics exported for both Postgres and Redis.
type poolGauges struct {
	total, idle, hits, misses, timeouts float64
}

// PoolStatsCollector exports connection pool statistics of one backing store.
type PoolStatsCollector struct {
	store string
	read  func() poolGauges

	total    *prometheus.Desc
	idle     *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	timeouts *prometheus.Desc
}

func newPoolStatsCollector(store string, read func() poolGauges) *PoolStatsCollector {
	labels := prometheus.Labels{"store": store}
	return &PoolStatsCollector{
		store:    store,
		read:     read,
		total:    prometheus.NewDesc("db_pool_total_connections", "Total number of connections in the pool", nil, labels),
		idle:     prometheus.NewDesc("db_pool_idle_connections", "Number of currently idle connections", nil, labels),
		hits:     prometheus.NewDesc("db_pool_acquire_hits_total", "Acquires served by an existing connection", nil, labels),
		misses:   prometheus.NewDesc("db_pool_acquire_misses_total", "Acquires that had to wait for or create a connection", nil, labels),
		timeouts: prometheus.NewDesc("db_pool_acquire_timeouts_total", "Acquires that were canceled or timed out", nil, labels),
	}
}

// NewPostgresStatsCollector exports pgxpool statistics.
func NewPostgresStatsCollector(pool *pgxpool.Pool) *PoolStatsCollector {
	return newPoolStatsCollector("postgres", func() poolGauges {
		s := pool.Stat()
		acquires := s.AcquireCount()
		empty := s.EmptyAcquireCount()
		return poolGauges{
			total:    float64(s.TotalConns()),
			idle:     float64(s.IdleConns()),
			hits:     float64(acquires - empty),
			misses:   float64(empty),
			timeouts: float64(s.CanceledAcquireCount()),
		}
	})
}

// NewRedisStatsCollector exports go-redis pool statistics.
func NewRedisStatsCollector(client *redis.Client) *PoolStatsCollector {
	return newPoolStatsCollector("redis", func() poolGauges {
		s := client.PoolStats()
		return poolGauges{
			total:    float64(s.TotalConns),
			idle:     float64(s.IdleConns),
			hits:     float64(s.Hits),
			misses:   float64(s.Misses),
			timeouts: float64(s.Timeouts),
		}
	})
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	g := c.read()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, g.total)
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, g.idle)
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, g.hits)
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, g.misses)
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, g.timeouts)
}
