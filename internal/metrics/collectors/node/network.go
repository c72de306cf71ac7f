package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NetworkCollector exposes peer and chunk storage counts.
type NetworkCollector struct {
	stats  Stats
	peers  *prometheus.Desc
	chunks *prometheus.Desc
	routed *prometheus.Desc
}

func NewNetworkCollector(stats Stats) *NetworkCollector {
	return &NetworkCollector{
		stats: stats,
		peers: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "p2p", "peers"),
			"Connected peers",
			nil, nil,
		),
		chunks: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "chunks", "stored"),
			"Chunks held in local storage",
			nil, nil,
		),
		routed: prometheus.NewDesc(
			prometheus.BuildFQName("torrentchain", "chunks", "routed"),
			"Chunks with at least one known remote holder",
			nil, nil,
		),
	}
}

func (c *NetworkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.peers
	ch <- c.chunks
	ch <- c.routed
}

func (c *NetworkCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(c.stats.PeerCount()))
	ch <- prometheus.MustNewConstMetric(c.chunks, prometheus.GaugeValue, float64(c.stats.ChunkCount()))
	ch <- prometheus.MustNewConstMetric(c.routed, prometheus.GaugeValue, float64(c.stats.RoutedChunkCount()))
}

func init() {
	RegisterNodeCollectorFactory(func(stats Stats) (prometheus.Collector, error) {
		return NewNetworkCollector(stats), nil
	})
}
