package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ChainCollector exposes the local ledger state.
type ChainCollector struct {
	stats      Stats
	height     *prometheus.Desc
	difficulty *prometheus.Desc
	pending    *prometheus.Desc
}

func NewChainCollector(stats Stats) *ChainCollector {
	return &ChainCollector{
		stats: stats,
		height: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "chain", "height"),
			"Index of the last block in the local chain",
			nil, nil,
		),
		difficulty: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "chain", "difficulty"),
			"Current useful work difficulty",
			nil, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "chain", "pending_transactions"),
			"Transactions waiting to be mined",
			nil, nil,
		),
	}
}

func (c *ChainCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.height
	ch <- c.difficulty
	ch <- c.pending
}

func (c *ChainCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.height, prometheus.GaugeValue, float64(c.stats.Height()))
	ch <- prometheus.MustNewConstMetric(c.difficulty, prometheus.GaugeValue, float64(c.stats.Difficulty()))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(c.stats.PendingCount()))
}

func init() {
	RegisterNodeCollectorFactory(func(stats Stats) (prometheus.Collector, error) {
		return NewChainCollector(stats), nil
	})
}
