package sql

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

const TotalTransactionCountQuery = `SELECT COUNT(*), COUNT(DISTINCT block_id) FROM api.transactions_raw`

// TotalTransactionCountCollector reports exported transactions and how many
// exported blocks carry them.
type TotalTransactionCountCollector struct {
	db            *sql.DB
	totalTxs      *prometheus.Desc
	blocksWithTxs *prometheus.Desc
}

func NewTotalTransactionCountCollector(db *sql.DB) *TotalTransactionCountCollector {
	labels := prometheus.Labels{"source": "postgres"}
	return &TotalTransactionCountCollector{
		db: db,
		totalTxs: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "transactions", "total_count"),
			"Total exported transaction count",
			nil, labels,
		),
		blocksWithTxs: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "transactions", "block_count"),
			"Exported blocks referenced by at least one transaction",
			nil, labels,
		),
	}
}

func (c *TotalTransactionCountCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalTxs
	ch <- c.blocksWithTxs
}

func (c *TotalTransactionCountCollector) Collect(ch chan<- prometheus.Metric) {
	var txs, blocks int64
	if err := c.db.QueryRow(TotalTransactionCountQuery).Scan(&txs, &blocks); err != nil {
		ch <- prometheus.NewInvalidMetric(c.totalTxs, err)
		ch <- prometheus.NewInvalidMetric(c.blocksWithTxs, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalTxs, prometheus.CounterValue, float64(txs))
	ch <- prometheus.MustNewConstMetric(c.blocksWithTxs, prometheus.GaugeValue, float64(blocks))
}

func init() {
	RegisterSQLCollectorFactory(func(db *sql.DB) (prometheus.Collector, error) {
		return NewTotalTransactionCountCollector(db), nil
	})
}
