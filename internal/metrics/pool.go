package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolSeries is one value read from pgxpool.Stat on every scrape.
type poolSeries struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func(*pgxpool.Stat) float64
}

type poolCollector struct {
	pool   *pgxpool.Pool
	series []poolSeries
}

// RegisterPoolMetrics reports the snapshot store's connection pool. Every
// series carries a constant environment label so sidecars for different
// environments can share one database and one dashboard.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, environment string) {
	labels := prometheus.Labels{"environment": environment}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("flagkit_db_pool_"+name, help, nil, labels)
	}

	reg.MustRegister(&poolCollector{
		pool: pool,
		series: []poolSeries{
			{desc("acquired", "Number of currently acquired snapshot store connections."), prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }},
			{desc("idle", "Number of idle snapshot store connections."), prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }},
			{desc("total", "Total number of snapshot store connections."), prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }},
			{desc("max", "Maximum number of snapshot store connections."), prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }},
			{desc("acquires_total", "Connections acquired for snapshot reads and writes."), prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }},
			{desc("empty_acquires_total", "Acquires that had to wait for a free connection."), prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }},
			{desc("acquire_wait_seconds_total", "Time spent waiting to acquire connections."), prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }},
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.series {
		ch <- s.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, s := range c.series {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.read(stat))
	}
}
