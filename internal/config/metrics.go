package config

import (
	"fmt"
	"net"

	"github.com/spf13/viper"
)

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

func (c MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid prometheus address %q: %w", c.Addr, err)
	}
	return nil
}

func LoadMetricsConfigFromCLI() MetricsConfig {
	return MetricsConfig{
		Enabled: viper.GetBool("enable-prometheus"),
		Addr:    viper.GetString("prometheus-addr"),
	}
}
