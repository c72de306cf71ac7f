package torrentchain

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/torrentchain/torrentchain/internal/config"
	"github.com/torrentchain/torrentchain/internal/output"
)

var jsonCmd = &cobra.Command{
	Use:   "json [listen-address] [flags]",
	Short: "Run a node that exports blocks to JSON files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonConfig := config.LoadJSONConfigFromCLI()
		if err := jsonConfig.Validate(); err != nil {
			return fmt.Errorf("invalid JSON configuration: %w", err)
		}
		slog.Debug("Command-line argument", "json-out", jsonConfig.Dir)

		outputHandler, err := output.NewJSONOutputHandler(jsonConfig.Dir)
		if err != nil {
			return fmt.Errorf("failed to create JSON output handler: %w", err)
		}
		defer outputHandler.Close()

		return runNode(cmd.Context(), listenAddr(args), &sink{handler: outputHandler})
	},
}

func init() {
	jsonCmd.Flags().StringP("json-out", "o", "out", "JSON output directory")
	if err := viper.BindPFlags(jsonCmd.Flags()); err != nil {
		slog.Error("Failed to bind jsonCmd flags", "error", err)
	}
}
