package torrentchain

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var txCmd = &cobra.Command{
	Use:   "tx [peer] [tx...]",
	Short: "Submit transactions to a node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done, err := dialNode(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()

		for _, tx := range args[1:] {
			if err := c.SubmitTransaction(tx); err != nil {
				return fmt.Errorf("failed to submit transaction: %w", err)
			}
		}
		if err := c.Sync(ctx); err != nil {
			return fmt.Errorf("node did not confirm transactions: %w", err)
		}
		slog.Info("Submitted transactions", "count", len(args)-1, "node", c.RemoteID())
		return nil
	},
}

var blocksCmd = &cobra.Command{
	Use:   "blocks [peer]",
	Short: "Print a node's blocks as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetUint64("from")

		c, ctx, done, err := dialNode(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()

		blocks, err := c.Blocks(ctx, from)
		if err != nil {
			return fmt.Errorf("failed to fetch blocks: %w", err)
		}
		out, err := json.MarshalIndent(blocks, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode blocks: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	addClientFlags(txCmd)
	addClientFlags(blocksCmd)
	blocksCmd.Flags().Uint64("from", 0, "First block index to fetch")
}
