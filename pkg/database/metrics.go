package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegisterPoolMetrics exposes pgx pool statistics as Prometheus gauges.
// Call once per pool after construction.
func RegisterPoolMetrics(pool *pgxpool.Pool) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "postgres_pool_total_conns",
		Help: "Total connections currently in the pgx pool",
	}, func() float64 {
		return float64(pool.Stat().TotalConns())
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "postgres_pool_idle_conns",
		Help: "Idle connections in the pgx pool",
	}, func() float64 {
		return float64(pool.Stat().IdleConns())
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "postgres_pool_acquired_conns",
		Help: "Connections currently acquired from the pgx pool",
	}, func() float64 {
		return float64(pool.Stat().AcquiredConns())
	})
}
