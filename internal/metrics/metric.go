package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "torrentchain"

var (
	MessagesReceivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "p2p",
		Name:      "messages_received_total",
		Help:      "Verified protocol messages received, by type.",
	}, []string{"type"})

	MessagesRejectedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "p2p",
		Name:      "messages_rejected_total",
		Help:      "Frames dropped for a bad signature, size or encoding.",
	})

	ChunksServedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chunks",
		Name:      "served_total",
		Help:      "Chunks sent to peers in response to a request.",
	})

	BlocksMinedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_mined_total",
		Help:      "Blocks sealed by this node.",
	})

	MiningDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "mining_duration_seconds",
		Help:      "Time spent solving useful work per mined block.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	MetricsItems = []prometheus.Collector{
		MessagesReceivedCounter,
		MessagesRejectedCounter,
		ChunksServedCounter,
		BlocksMinedCounter,
		MiningDurationHistogram,
	}
)
