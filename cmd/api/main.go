// Command api runs the Circles HTTP API and its maintenance tasks.
package main

import (
	"fmt"
	"os"

	"circles/api/internal/config"
	"circles/api/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

// Global flags
var configFile string

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "Circles organization API",
	Long: `api serves the Circles HTTP API for teams, roles, governance tools and
the decision log.

Configuration comes from CIRCLES_* environment variables and an optional
config file.

Examples:
  api serve                     # Apply migrations and start the server
  api migrate --status          # Show which migrations are applied
  api reindex                   # Rebuild the Meilisearch indexes`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(config.NewViper(), configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
