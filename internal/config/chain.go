package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/torrentchain/torrentchain/internal/chain"
)

type ChainConfig struct {
	Difficulty         int
	Iterations         int
	Workers            int
	TargetBlockTime    time.Duration
	AdjustmentInterval uint64
}

// Params overlays the configured values on the chain defaults.
func (c ChainConfig) Params() chain.Params {
	p := chain.DefaultParams()
	p.Difficulty = c.Difficulty
	p.Iterations = c.Iterations
	p.TargetBlockTime = c.TargetBlockTime
	p.AdjustmentInterval = c.AdjustmentInterval
	if c.Workers > 0 {
		p.Workers = c.Workers
	}
	return p
}

func (c ChainConfig) Validate() error {
	return c.Params().Validate()
}

func LoadChainConfigFromCLI() ChainConfig {
	return ChainConfig{
		Difficulty:         viper.GetInt("difficulty"),
		Iterations:         viper.GetInt("iterations"),
		Workers:            viper.GetInt("workers"),
		TargetBlockTime:    viper.GetDuration("target-block-time"),
		AdjustmentInterval: viper.GetUint64("adjustment-interval"),
	}
}
