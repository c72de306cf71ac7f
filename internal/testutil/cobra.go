package testutil

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// Execute runs c with args and returns what it wrote to its output,
// trimmed.
func Execute(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	return ExecuteContext(t, context.Background(), c, args...)
}

// ExecuteContext is Execute bound to ctx, for commands that run until
// cancelled. The command's output writers are reset when the test ends.
func ExecuteContext(t *testing.T, ctx context.Context, c *cobra.Command, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(args)
	t.Cleanup(func() {
		c.SetOut(os.Stdout)
		c.SetErr(os.Stderr)
		c.SetArgs(nil)
	})

	err := c.ExecuteContext(ctx)
	return strings.TrimSpace(out.String()), err
}
