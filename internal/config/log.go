package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

func (c LogConfig) Validate() error {
	if c.File != "" && c.MaxSizeMB <= 0 {
		return fmt.Errorf("log file max size must be positive")
	}
	return nil
}

func LoadLogConfigFromCLI() LogConfig {
	return LogConfig{
		Level:      viper.GetString("logLevel"),
		File:       viper.GetString("log-file"),
		MaxSizeMB:  viper.GetInt("log-max-size"),
		MaxBackups: viper.GetInt("log-max-backups"),
		Compress:   viper.GetBool("log-compress"),
	}
}
