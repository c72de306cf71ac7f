package node

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the live view of a running node that collectors read at scrape
// time.
type Stats interface {
	Height() uint64
	Difficulty() int
	PendingCount() int
	PeerCount() int
	ChunkCount() int
	RoutedChunkCount() int
}

type NodeCollectorFactory func(stats Stats) (prometheus.Collector, error)

// NodeRegistry holds factories for node-backed collectors.
type NodeRegistry struct {
	factories []NodeCollectorFactory
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		factories: make([]NodeCollectorFactory, 0),
	}
}

func (r *NodeRegistry) Register(factory NodeCollectorFactory) {
	r.factories = append(r.factories, factory)
}

// CreateNodeCollectors instantiates all registered node collectors.
func (r *NodeRegistry) CreateNodeCollectors(stats Stats) ([]prometheus.Collector, error) {
	if stats == nil {
		return nil, errors.New("node stats source is nil")
	}

	collectors := make([]prometheus.Collector, 0, len(r.factories))
	for _, factory := range r.factories {
		collector, err := factory(stats)
		if err != nil {
			return nil, err
		}
		collectors = append(collectors, collector)
	}
	return collectors, nil
}

var DefaultNodeRegistry = NewNodeRegistry()

func RegisterNodeCollectorFactory(factory NodeCollectorFactory) {
	DefaultNodeRegistry.Register(factory)
}
