package torrentchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/torrentchain/torrentchain/internal/chunk"
)

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Store and fetch files through a node",
}

var chunkPutCmd = &cobra.Command{
	Use:   "put [peer] [file]",
	Short: "Split a file into chunks and store them on a node",
	Long:  `Split a file into chunks, push them and their manifest to a node, and record each chunk hash as a transaction. Prints the manifest hash that addresses the file.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		manifest, parts := chunk.NewManifest(filepath.Base(args[1]), data, chunkSize)
		encoded, err := manifest.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}

		c, ctx, done, err := dialNode(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()

		for i, part := range parts {
			hash, err := c.PutChunk(ctx, part)
			if err != nil {
				return fmt.Errorf("failed to store chunk %d: %w", i, err)
			}
			if err := c.SubmitTransaction("chunk:" + hash); err != nil {
				return fmt.Errorf("failed to submit chunk transaction: %w", err)
			}
			slog.Debug("Stored chunk", "index", i, "chunk", chunk.Short(hash))
		}
		manifestHash, err := c.PutChunk(ctx, encoded)
		if err != nil {
			return fmt.Errorf("failed to store manifest: %w", err)
		}

		slog.Info("Stored file", "file", args[1], "chunks", len(parts), "manifest", manifestHash, "node", c.RemoteID())
		fmt.Fprintln(cmd.OutOrStdout(), manifestHash)
		return nil
	},
}

var chunkGetCmd = &cobra.Command{
	Use:   "get [peer] [hash]",
	Short: "Fetch a chunk or a whole file from a node",
	Long:  `Fetch a chunk by hash. When the chunk is a file manifest, every listed chunk is fetched and the file is reassembled.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		c, ctx, done, err := dialNode(cmd, args[0])
		if err != nil {
			return err
		}
		defer done()

		data, err := c.GetChunk(ctx, args[1])
		if err != nil {
			return fmt.Errorf("failed to fetch chunk: %w", err)
		}

		manifest, err := chunk.ParseManifest(data)
		switch {
		case errors.Is(err, chunk.ErrNotManifest):
		case err != nil:
			return err
		default:
			parts := make([][]byte, 0, len(manifest.Chunks))
			for _, hash := range manifest.Chunks {
				part, err := c.GetChunk(ctx, hash)
				if err != nil {
					return fmt.Errorf("failed to fetch chunk %s: %w", chunk.Short(hash), err)
				}
				parts = append(parts, part)
			}
			if data, err = manifest.Assemble(parts); err != nil {
				return fmt.Errorf("failed to assemble %s: %w", manifest.Name, err)
			}
			if out == "" {
				out = manifest.Name
			}
		}

		if out == "" || out == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(out, data, 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		slog.Info("Fetched file", "file", out, "bytes", len(data))
		return nil
	},
}

var chunkInspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Print the manifest a file would be stored under, without contacting a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		manifest, _ := chunk.NewManifest(filepath.Base(args[0]), data, chunkSize)
		out, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	addClientFlags(chunkCmd)
	chunkPutCmd.Flags().Int("chunk-size", chunk.DefaultChunkSize, "Maximum chunk size in bytes")
	chunkInspectCmd.Flags().Int("chunk-size", chunk.DefaultChunkSize, "Maximum chunk size in bytes")
	chunkGetCmd.Flags().StringP("out", "o", "", "Output file (\"-\" for stdout; defaults to the manifest's file name)")

	chunkCmd.AddCommand(chunkPutCmd)
	chunkCmd.AddCommand(chunkGetCmd)
	chunkCmd.AddCommand(chunkInspectCmd)
}
