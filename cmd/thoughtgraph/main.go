package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cybersemics/em-sub013/infrastructure/config"
	"github.com/cybersemics/em-sub013/infrastructure/di"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "thoughtgraph",
		Short: "Replicated outline engine",
		Long: `thoughtgraph keeps an outline of thoughts and its value index in
memory, persists every edit locally and replicates it to its peers.`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (defaults to $CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd, repairCmd, schemaCmd)
}

// bootstrap loads the configuration, wires the container and loads the
// persisted outline
func bootstrap(ctx context.Context) (*di.Container, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	container, cleanup, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize container: %w", err)
	}

	if err := container.Service.Load(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to load outline: %w", err)
	}
	return container, func() {
		cleanup()
		_ = container.Logger.Sync()
	}, nil
}
