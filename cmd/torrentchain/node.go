package torrentchain

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/chunk"
	"github.com/torrentchain/torrentchain/internal/config"
	"github.com/torrentchain/torrentchain/internal/exporter"
	"github.com/torrentchain/torrentchain/internal/metrics"
	nodecollectors "github.com/torrentchain/torrentchain/internal/metrics/collectors/node"
	"github.com/torrentchain/torrentchain/internal/output"
	"github.com/torrentchain/torrentchain/internal/p2p"
	"github.com/torrentchain/torrentchain/internal/pouw"
)

const defaultListenAddr = "127.0.0.1:7000"

var NodeCmd = &cobra.Command{
	Use:   "node [listen-address]",
	Short: "Run a TorrentChain node",
	Long:  `Run a TorrentChain node that stores and serves chunks, gossips transactions and blocks, and optionally mines.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context(), listenAddr(args), nil)
	},
}

func listenAddr(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultListenAddr
}

func init() {
	NodeCmd.PersistentFlags().String("advertise-addr", "", "Address peers should dial to reach this node (defaults to the listen address)")
	NodeCmd.PersistentFlags().StringSlice("peers", nil, "Bootstrap peers (host:port)")
	NodeCmd.PersistentFlags().String("storage-path", "node_storage", "Root directory for chunk storage")
	NodeCmd.PersistentFlags().Duration("chunk-ttl", chunk.DefaultTTL, "How long stored chunks are kept")
	NodeCmd.PersistentFlags().Duration("cleanup-interval", chunk.DefaultCleanupInterval, "How often expired chunks are removed")
	NodeCmd.PersistentFlags().Int("chunk-cache-size", chunk.DefaultCacheSize, "Number of chunks kept in the in-memory cache")
	NodeCmd.PersistentFlags().Bool("replicate", false, "Fetch every chunk announced by peers")
	NodeCmd.PersistentFlags().Bool("mine", false, "Mine pending transactions")
	NodeCmd.PersistentFlags().Duration("block-time", p2p.DefaultBlockTime, "How often the miner seals pending transactions")
	NodeCmd.PersistentFlags().Int("difficulty", pouw.DefaultDifficulty, "Initial useful work difficulty (leading hex zeros)")
	NodeCmd.PersistentFlags().Int("iterations", pouw.DefaultIterations, "Sequential hash iterations per useful work attempt")
	NodeCmd.PersistentFlags().Int("workers", 0, "Mining workers (0 uses every CPU)")
	NodeCmd.PersistentFlags().Duration("target-block-time", 10*time.Second, "Target interval between blocks for difficulty retargeting")
	NodeCmd.PersistentFlags().Uint64("adjustment-interval", 10, "Blocks between difficulty retargets")
	NodeCmd.PersistentFlags().Duration("heartbeat-interval", p2p.DefaultHeartbeatInterval, "Interval between peer heartbeats")
	NodeCmd.PersistentFlags().Uint32("max-message-size", p2p.DefaultMaxMessageSize, "Maximum accepted message size in bytes (advanced)")
	NodeCmd.PersistentFlags().String("key-file", "", "File holding the node's ed25519 seed, created if missing (ephemeral key when empty)")
	NodeCmd.PersistentFlags().UintP("max-retries", "r", exporter.DefaultMaxRetries, "Maximum attempts per exported block")
	NodeCmd.PersistentFlags().Bool("enable-prometheus", false, "Enable Prometheus metrics server")
	NodeCmd.PersistentFlags().String("prometheus-addr", metrics.DefaultMetricsAddress, "Address and port of the Prometheus metrics server")

	if err := viper.BindPFlags(NodeCmd.PersistentFlags()); err != nil {
		slog.Error("Failed to bind NodeCmd flags", "error", err)
	}

	NodeCmd.AddCommand(jsonCmd)
	NodeCmd.AddCommand(postgresCmd)
}

// sink is an export target and the extra collectors it contributes.
type sink struct {
	handler    output.OutputHandler
	collectors []prometheus.Collector
}

func runNode(ctx context.Context, listen string, s *sink) error {
	nodeConfig := config.LoadNodeConfigFromCLI(listen)
	if err := nodeConfig.Validate(); err != nil {
		return fmt.Errorf("invalid node configuration: %w", err)
	}
	chainConfig := config.LoadChainConfigFromCLI()
	if err := chainConfig.Validate(); err != nil {
		return fmt.Errorf("invalid chain configuration: %w", err)
	}
	storageConfig := config.LoadStorageConfigFromCLI()
	if err := storageConfig.Validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}
	metricsConfig := config.LoadMetricsConfigFromCLI()
	if err := metricsConfig.Validate(); err != nil {
		return fmt.Errorf("invalid metrics configuration: %w", err)
	}
	slog.Debug("Command-line arguments", "node", nodeConfig, "chain", chainConfig, "storage", storageConfig)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handleInterrupt(cancel)

	key, err := p2p.LoadOrCreateKey(nodeConfig.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load node key: %w", err)
	}

	bc, err := chain.New(chainConfig.Params())
	if err != nil {
		return fmt.Errorf("failed to create chain: %w", err)
	}

	ln, err := net.Listen("tcp", nodeConfig.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", nodeConfig.ListenAddr, err)
	}
	store, err := chunk.NewManager(p2p.Identity(ln, nodeConfig.AdvertiseAddr), storageConfig.Path, storageConfig.ChunkTTL, storageConfig.CacheSize)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to open chunk storage: %w", err)
	}

	node, err := p2p.NewNode(p2p.Config{
		ListenAddr:        nodeConfig.ListenAddr,
		Listener:          ln,
		AdvertiseAddr:     nodeConfig.AdvertiseAddr,
		BootstrapPeers:    nodeConfig.BootstrapPeers,
		HeartbeatInterval: nodeConfig.HeartbeatInterval,
		MaxMessageSize:    nodeConfig.MaxMessageSize,
		CleanupInterval:   storageConfig.CleanupInterval,
		Replicate:         nodeConfig.Replicate,
		Mine:              nodeConfig.Mine,
		BlockTime:         nodeConfig.BlockTime,
		Key:               key,
	}, bc, store)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := node.Listen(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	var extra []prometheus.Collector
	if s != nil {
		exp := exporter.New(s.handler, bc, nodeConfig.ExportRetries)
		eg.Go(func() error { return exp.Run(ctx) })
		extra = s.collectors
	}

	if metricsConfig.Enabled {
		collectors, err := nodecollectors.DefaultNodeRegistry.CreateNodeCollectors(node)
		if err != nil {
			return fmt.Errorf("failed to create node collectors: %w", err)
		}
		server, err := metrics.CreateMetricsServer(metricsConfig.Addr, append(collectors, extra...)...)
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error { return node.Serve(ctx) })

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("node stopped with error: %w", err)
	}
	return nil
}

// handleInterrupt handles interrupt signals for graceful shutdown.
func handleInterrupt(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		slog.Info("Received interrupt signal, shutting down...")
		cancel()
	}()
}
