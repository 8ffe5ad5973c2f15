package cmd

import (
	"github.com/agentic-research/cadlink/internal/mcpserver"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the resolution cache as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeFn, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			a.log.Info("serving MCP over stdio", "backend", a.cfg.Backend)
			return mcpserver.New(o, a.log).ServeStdio()
		},
	}
}
