// Package commands provides the CLI commands for replkit.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/replkit/replkit/internal/config"
	"github.com/replkit/replkit/internal/logging"
	"github.com/replkit/replkit/internal/tool"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel string
	pretty   bool
)

var rootCmd = &cobra.Command{
	Use:   "replkit",
	Short: "replkit - interpreter session kernel",
	Long: `replkit owns long-lived interpreter subprocesses for AI coding
agents: it speaks a line-delimited JSON protocol over their standard
I/O, brokers re-entrant tool callbacks during execution, snapshots and
restores interpreter namespaces, and pools sessions with idle eviction.

Run 'replkit run' to execute code through a fresh session, or
'replkit serve' to start the pool with its admin API.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("replkit %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads .env plus the layered kernel config and initializes
// logging.
func loadConfig() (*config.Config, error) {
	godotenv.Load()

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(wd)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: pretty,
	})
	return cfg, nil
}

// buildProvider connects every configured MCP server and merges the
// catalogs. The returned closer shuts the server subprocesses down.
func buildProvider(ctx context.Context, cfg *config.Config) (tool.Provider, func(), error) {
	var providers []tool.Provider
	var closers []func() error

	for name, server := range cfg.MCP {
		p, err := tool.ConnectMCP(ctx, name, server.Command, server.Env)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, fmt.Errorf("connect mcp server %s: %w", name, err)
		}
		providers = append(providers, p)
		closers = append(closers, p.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(providers) == 0 {
		return tool.NewRegistry(), closeAll, nil
	}
	return tool.NewMultiProvider(providers...), closeAll, nil
}
