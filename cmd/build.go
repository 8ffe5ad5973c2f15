package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/agentic-research/cadlink/internal/store"
	"github.com/spf13/cobra"
)

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build [fixture.json] [output.db]",
		Short: "Build a cadlink SQLite database from a JSON scene fixture",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			output := args[1]

			fx, err := store.LoadFixture(source)
			if err != nil {
				return err
			}

			_ = os.Remove(output) // Overwrite
			writer, err := store.NewWriter(output)
			if err != nil {
				return err
			}

			start := time.Now()
			a.log.Info("building database", "source", source, "output", output)
			if err := fx.Write(writer); err != nil {
				_ = writer.Close()
				return err
			}
			if err := writer.Close(); err != nil {
				return fmt.Errorf("finalize %s: %w", output, err)
			}

			var nodes, conns int
			for _, r := range fx.Revisions {
				nodes += len(r.Nodes)
				conns += len(r.Connections)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Built %s: %d revisions, %d nodes, %d connections in %v.\n",
				output, len(fx.Revisions), nodes, conns, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
