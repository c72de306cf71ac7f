package sql

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

const TotalBlockCountQuery = `SELECT COUNT(*), COALESCE(MAX(id), 0) FROM api.blocks_raw`

// TotalBlockCountCollector reports how many blocks were exported and the
// highest exported index. The two differ when the export has gaps.
type TotalBlockCountCollector struct {
	db           *sql.DB
	totalBlocks  *prometheus.Desc
	latestHeight *prometheus.Desc
}

func NewTotalBlockCountCollector(db *sql.DB) *TotalBlockCountCollector {
	return &TotalBlockCountCollector{
		db: db,
		totalBlocks: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "blocks", "total_count"),
			"Total exported block count",
			nil,
			prometheus.Labels{"source": "postgres"},
		),
		latestHeight: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "blocks", "latest_exported_height"),
			"Highest exported block index",
			nil,
			prometheus.Labels{"source": "postgres"},
		),
	}
}

func (c *TotalBlockCountCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalBlocks
	ch <- c.latestHeight
}

func (c *TotalBlockCountCollector) Collect(ch chan<- prometheus.Metric) {
	var count, latest int64
	err := c.db.QueryRow(TotalBlockCountQuery).Scan(&count, &latest)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.totalBlocks, err)
		ch <- prometheus.NewInvalidMetric(c.latestHeight, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.totalBlocks, prometheus.CounterValue, float64(count))
	ch <- prometheus.MustNewConstMetric(c.latestHeight, prometheus.GaugeValue, float64(latest))
}

func init() {
	RegisterSQLCollectorFactory(func(db *sql.DB) (prometheus.Collector, error) {
		return NewTotalBlockCountCollector(db), nil
	})
}
