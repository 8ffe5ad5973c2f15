package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/agentic-research/cadlink/internal/config"
	"github.com/agentic-research/cadlink/internal/logging"
	"github.com/spf13/cobra"
)

// app carries the global flags and what PersistentPreRunE derives from them.
type app struct {
	configPath string
	backend    string
	db         string
	fixture    string
	logLevel   string

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cadlink",
		Short:         "cadlink: resolve CAD scene nodes to knowledge-graph instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Path to an HCL config file")
	pf.StringVar(&a.backend, "backend", "", "Backend: memory, sqlite or http")
	pf.StringVar(&a.db, "db", "", "SQLite database for the sqlite backend")
	pf.StringVar(&a.fixture, "fixture", "", "JSON fixture for the memory backend")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newBuildCmd(a),
		newResolveCmd(a),
		newEdgesCmd(a),
		newMappingsCmd(a),
		newServeCmd(a),
	)
	return root
}

// load builds the config (flags over env over file over defaults) and the
// logger. Logs go to stderr so stdout stays machine-readable.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, func(c *config.Config) {
		if a.backend != "" {
			c.Backend = a.backend
		}
		if a.db != "" {
			c.DB = a.db
		}
		if a.fixture != "" {
			c.Fixture = a.fixture
		}
		if a.logLevel != "" {
			c.LogLevel = a.logLevel
		}
	})
	if err != nil {
		return err
	}
	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
