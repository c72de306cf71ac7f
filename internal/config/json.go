package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// JSONConfig configures the JSON export sink.
type JSONConfig struct {
	Dir string
}

// Validate accepts a directory that exists or can be created.
func (c JSONConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("missing output directory")
	}
	info, err := os.Stat(c.Dir)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("cannot access output directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("output path %s is not a directory", c.Dir)
	}
	return nil
}

func LoadJSONConfigFromCLI() JSONConfig {
	return JSONConfig{
		Dir: viper.GetString("json-out"),
	}
}
