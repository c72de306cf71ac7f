package torrentchain

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/torrentchain/torrentchain/internal/config"
)

var (
	validLogLevels = map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	validLogLevelsStr = strings.Join(slices.Sorted(maps.Keys(validLogLevels)), "|")
)

var RootCmd = &cobra.Command{
	Use:   "torrentchain",
	Short: "Run and query TorrentChain nodes",
	Long:  `torrentchain runs a peer-to-peer node that stores content-addressed chunks and seals transactions into a proof of useful work chain.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logConfig := config.LoadLogConfigFromCLI()
		if err := logConfig.Validate(); err != nil {
			return fmt.Errorf("invalid log configuration: %w", err)
		}
		if err := setupLogger(logConfig); err != nil {
			return err
		}
		slog.Debug("Application started", "version", Version)
		return nil
	},
}

// setupLogger installs the JSON logger, optionally teeing into a rotated file.
func setupLogger(cfg config.LogConfig) error {
	level, exists := validLogLevels[cfg.Level]
	if !exists {
		return fmt.Errorf("invalid log level: %s. Valid log levels are: %s", cfg.Level, validLogLevelsStr)
	}

	var w io.Writer = os.Stdout
	if cfg.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}

func init() {
	RootCmd.PersistentFlags().StringP("logLevel", "l", "info", fmt.Sprintf("set log level (%s)", validLogLevelsStr))
	RootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated by size")
	RootCmd.PersistentFlags().Int("log-max-size", 100, "Maximum log file size in megabytes before rotation")
	RootCmd.PersistentFlags().Int("log-max-backups", 3, "Number of rotated log files to keep")
	RootCmd.PersistentFlags().Bool("log-compress", false, "Gzip rotated log files")
	if err := viper.BindPFlags(RootCmd.PersistentFlags()); err != nil {
		slog.Error("Failed to bind rootCmd flags", "error", err)
	}

	RootCmd.SilenceUsage = true
	RootCmd.SilenceErrors = true

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.torrentchain")
	viper.AddConfigPath("/etc/torrentchain")

	viper.SetEnvPrefix("torrentchain")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	RootCmd.AddCommand(NodeCmd)
	RootCmd.AddCommand(mineCmd)
	RootCmd.AddCommand(chunkCmd)
	RootCmd.AddCommand(txCmd)
	RootCmd.AddCommand(blocksCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := viper.ReadInConfig(); err == nil {
		slog.Info("Using config file", "file", viper.ConfigFileUsed())
	} else {
		slog.Info("No config file found")
	}

	if err := RootCmd.Execute(); err != nil {
		slog.Error("An error occurred", "error", err)
		os.Exit(1)
	}
}
