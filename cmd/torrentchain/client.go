package torrentchain

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/torrentchain/torrentchain/internal/client"
	"github.com/torrentchain/torrentchain/internal/p2p"
)

// addClientFlags registers the flags shared by commands that talk to a node.
func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Duration("timeout", client.DefaultTimeout, "Overall timeout for the request")
	cmd.PersistentFlags().Uint("dial-retries", client.DefaultMaxRetries, "Attempts to connect to the node")
	cmd.PersistentFlags().String("client-key-file", "", "File holding the client's ed25519 seed (ephemeral key when empty)")
}

// dialNode opens a client session using the command's client flags. The
// returned cancel func releases the timeout context.
func dialNode(cmd *cobra.Command, addr string) (*client.Client, context.Context, context.CancelFunc, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	retries, _ := cmd.Flags().GetUint("dial-retries")
	keyFile, _ := cmd.Flags().GetString("client-key-file")
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}

	key, err := p2p.LoadOrCreateKey(keyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load client key: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	c, err := client.Dial(ctx, addr, key, retries)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return c, ctx, func() {
		c.Close()
		cancel()
	}, nil
}
