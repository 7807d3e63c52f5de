package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/james226/collab-session/config"
	"github.com/james226/collab-session/logging"
)

var configFile string

func loadConfig() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab",
		Short: "Collaborative session relay and client",
		Long: `collab keeps the room state of a collaborative 3D visualization in sync
between participants.

  relay  runs the reference relay
  join   joins a room from the terminal`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $"+config.EnvConfig+")")

	rootCmd.AddCommand(
		relayCmd(),
		joinCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
