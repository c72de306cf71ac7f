package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

type NodeConfig struct {
	ListenAddr        string
	AdvertiseAddr     string
	BootstrapPeers    []string
	HeartbeatInterval time.Duration
	MaxMessageSize    uint32
	KeyFile           string
	Replicate         bool
	Mine              bool
	BlockTime         time.Duration
	ExportRetries     uint
}

func (c NodeConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.AdvertiseAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil {
			return fmt.Errorf("invalid advertise address %q: %w", c.AdvertiseAddr, err)
		}
	}
	for _, p := range c.BootstrapPeers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("invalid peer address %q: %w", p, err)
		}
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("max message size must be positive")
	}
	if c.Mine && c.BlockTime <= 0 {
		return fmt.Errorf("block time must be positive when mining")
	}
	return nil
}

func LoadNodeConfigFromCLI(listenAddr string) NodeConfig {
	return NodeConfig{
		ListenAddr:        listenAddr,
		AdvertiseAddr:     viper.GetString("advertise-addr"),
		BootstrapPeers:    viper.GetStringSlice("peers"),
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		MaxMessageSize:    viper.GetUint32("max-message-size"),
		KeyFile:           viper.GetString("key-file"),
		Replicate:         viper.GetBool("replicate"),
		Mine:              viper.GetBool("mine"),
		BlockTime:         viper.GetDuration("block-time"),
		ExportRetries:     viper.GetUint("max-retries"),
	}
}
