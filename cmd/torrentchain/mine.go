package torrentchain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/torrentchain/torrentchain/internal/chain"
	"github.com/torrentchain/torrentchain/internal/config"
	"github.com/torrentchain/torrentchain/internal/pouw"
)

var mineCmd = &cobra.Command{
	Use:   "mine [tx...]",
	Short: "Mine a single block over the given transactions and print it",
	Long:  `Mine a block extending a fresh genesis block. The block is printed as JSON on stdout.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// read from the command's own flags: node shares these names in viper
		difficulty, _ := cmd.Flags().GetInt("difficulty")
		iterations, _ := cmd.Flags().GetInt("iterations")
		workers, _ := cmd.Flags().GetInt("workers")
		quiet, _ := cmd.Flags().GetBool("quiet")

		chainConfig := config.ChainConfig{
			Difficulty:         difficulty,
			Iterations:         iterations,
			Workers:            workers,
			TargetBlockTime:    10 * time.Second,
			AdjustmentInterval: 10,
		}
		if err := chainConfig.Validate(); err != nil {
			return fmt.Errorf("invalid chain configuration: %w", err)
		}

		bc, err := chain.New(chainConfig.Params())
		if err != nil {
			return fmt.Errorf("failed to create chain: %w", err)
		}
		for _, tx := range args {
			bc.AddTransaction(tx)
		}

		var opts []pouw.Option
		var bar *progressbar.ProgressBar
		if !quiet {
			bar = progressbar.NewOptions64(
				-1,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetDescription("Searching nonces..."),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
			)
			opts = append(opts, pouw.WithProgress(func(attempts uint64) {
				_ = bar.Set64(int64(attempts))
			}))
		}

		block, err := bc.MineBlock(cmd.Context(), opts...)
		if err != nil {
			return fmt.Errorf("failed to mine block: %w", err)
		}
		if bar != nil {
			if err := bar.Finish(); err != nil {
				return fmt.Errorf("failed to finish progress bar: %w", err)
			}
		}

		out, err := json.MarshalIndent(block, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode block: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	mineCmd.Flags().Int("difficulty", pouw.DefaultDifficulty, "Useful work difficulty (leading hex zeros)")
	mineCmd.Flags().Int("iterations", pouw.DefaultIterations, "Sequential hash iterations per attempt")
	mineCmd.Flags().Int("workers", 0, "Mining workers (0 uses every CPU)")
	mineCmd.Flags().BoolP("quiet", "q", false, "Do not display the progress bar")
}
