package node

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStats struct {
	height uint64
	peers  int
}

func (s stubStats) Height() uint64        { return s.height }
func (s stubStats) Difficulty() int       { return 2 }
func (s stubStats) PendingCount() int     { return 0 }
func (s stubStats) PeerCount() int        { return s.peers }
func (s stubStats) ChunkCount() int       { return 1 }
func (s stubStats) RoutedChunkCount() int { return 0 }

// gauges gathers c and returns each metric family's single gauge value.
func gauges(t *testing.T, c prometheus.Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64, len(families))
	for _, f := range families {
		require.Len(t, f.GetMetric(), 1)
		out[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	return out
}

func TestCreateNodeCollectors(t *testing.T) {
	_, err := DefaultNodeRegistry.CreateNodeCollectors(nil)
	require.Error(t, err)

	collectors, err := DefaultNodeRegistry.CreateNodeCollectors(stubStats{height: 5, peers: 3})
	require.NoError(t, err)
	assert.Len(t, collectors, 2)
}

func TestChainCollector(t *testing.T) {
	got := gauges(t, NewChainCollector(stubStats{height: 5}))
	assert.Equal(t, map[string]float64{
		"torrentchain_chain_height":               5,
		"torrentchain_chain_difficulty":           2,
		"torrentchain_chain_pending_transactions": 0,
	}, got)
}

func TestNetworkCollector(t *testing.T) {
	got := gauges(t, NewNetworkCollector(stubStats{peers: 3}))
	assert.Equal(t, map[string]float64{
		"torrentchain_p2p_peers":     3,
		"torrentchain_chunks_stored": 1,
		"torrentchain_chunks_routed": 0,
	}, got)
}
