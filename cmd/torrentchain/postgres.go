package torrentchain

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/torrentchain/torrentchain/internal/config"
	"github.com/torrentchain/torrentchain/internal/metrics/collectors/sql"
	"github.com/torrentchain/torrentchain/internal/output/postgresql"
)

var postgresCmd = &cobra.Command{
	Use:   "postgres [listen-address] [flags]",
	Short: "Run a node that exports blocks to a PostgreSQL database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		postgresConfig := config.LoadPostgresConfigFromCLI()
		if err := postgresConfig.Validate(); err != nil {
			return fmt.Errorf("invalid PostgreSQL configuration: %w", err)
		}

		outputHandler, err := postgresql.NewPostgresOutputHandler(postgresConfig.ConnString, postgresConfig.MaxConns)
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL output handler: %w", err)
		}
		defer outputHandler.Close()

		latestBlock, err := outputHandler.GetLatestBlock(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get the latest block: %w", err)
		}
		if latestBlock != nil {
			slog.Info("Database already holds blocks", "height", latestBlock.ID)
		}

		db := stdlib.OpenDBFromPool(outputHandler.GetPool())
		defer db.Close()
		collectors, err := sql.DefaultSQLRegistry.CreateSQLCollectors(db)
		if err != nil {
			return fmt.Errorf("failed to create SQL collectors: %w", err)
		}

		return runNode(cmd.Context(), listenAddr(args), &sink{handler: outputHandler, collectors: collectors})
	},
}

func init() {
	postgresCmd.Flags().StringP("postgres-conn", "p", "", "PostgreSQL connection string")
	postgresCmd.Flags().Uint("postgres-max-conns", 10, "Maximum PostgreSQL pool connections (advanced)")
	if err := viper.BindPFlags(postgresCmd.Flags()); err != nil {
		slog.Error("Failed to bind postgresCmd flags", "error", err)
	}
	if err := postgresCmd.MarkFlagRequired("postgres-conn"); err != nil {
		slog.Error("Failed to mark postgres-conn flag as required", "error", err)
	}
}
