package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type StorageConfig struct {
	Path            string
	ChunkTTL        time.Duration
	CleanupInterval time.Duration
	CacheSize       int
}

func (c StorageConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("missing storage path")
	}
	if c.ChunkTTL <= 0 {
		return fmt.Errorf("chunk TTL must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}

func LoadStorageConfigFromCLI() StorageConfig {
	return StorageConfig{
		Path:            viper.GetString("storage-path"),
		ChunkTTL:        viper.GetDuration("chunk-ttl"),
		CleanupInterval: viper.GetDuration("cleanup-interval"),
		CacheSize:       viper.GetInt("chunk-cache-size"),
	}
}
