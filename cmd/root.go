// Package cmd defines the CLI commands for the progress reconciler.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/progress-reconciler/internal/config"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
	"github.com/JakeFAU/progress-reconciler/internal/server"
)

// App is what the commands need from the application. It lets tests inject a
// fake.
type App interface {
	Start(ctx context.Context)
	Run(ctx context.Context) error
	Watch(ctx context.Context, jobID string, kind progress.JobKind, fn func(progress.JobProgress)) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	configFile string
	envFiles   []string
	cfg        *config.Config
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "progress-reconciler",
		Short: "Merges push and poll progress for long-running backend jobs.",
		Long: `progress-reconciler keeps one consistent view of each backend job by
merging a low-latency push stream with periodic polling of an authoritative
source. Views are exposed over HTTP, SSE and WebSocket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile, opts.envFiles...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = &cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, optional)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default ./.env when present)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
