package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/config"
	"github.com/discoversutd/discover/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "discover",
		Short:         "DiscoverSUTD API server, reminder dispatcher and admin tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to main config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRemindCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	return cmd
}

// bootstrap loads and validates the configuration and builds the named loggers.
// Callers own the returned manager and must Sync it.
func bootstrap(ctx context.Context, opts *rootOptions) (*config.Discover, *logger.LoggerManager, *zap.Logger, error) {
	cfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logManager, err := logger.NewLoggerManager(cfg.Logging.Loggers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logManager.Get(logger.NameApp)

	if err := cfg.Validate(log); err != nil {
		_ = logManager.Sync()
		return nil, nil, nil, err
	}
	return cfg, logManager, log, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// flushed by every command on exit; stderr sync errors are expected on some platforms.
func syncLoggers(lm *logger.LoggerManager) {
	_ = lm.Sync()
}
