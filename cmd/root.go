// Package cmd defines and implements the CLI commands for the listingwatch
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/app"
	"github.com/JakeFAU/listingwatch/internal/config"
	"github.com/JakeFAU/listingwatch/internal/logging"
)

// newApp is the application factory. It's a variable so tests can inject
// fakes for the network-facing components.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.Build(ctx, cfg, logger)
}

// newLogger builds the process logger. Tests replace it to keep output quiet.
var newLogger = logging.New

type rootOptions struct {
	cfgFile string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "listingwatch",
		Short: "Watches classifieds searches and notifies subscribers of new listings.",
		Long: `listingwatch keeps a registry of saved classifieds searches, re-crawls
them on a schedule, and notifies each subscriber about listings that were not
there the last time the search ran.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	return cmd
}

// withApp loads configuration, builds the application, starts its worker and
// runs fn. mutate may adjust the loaded config before the build.
func withApp(
	cmd *cobra.Command,
	opts *rootOptions,
	mutate func(*config.Config),
	fn func(ctx context.Context, a *app.App) error,
) error {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	a.Start(ctx)
	return fn(ctx, a)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
