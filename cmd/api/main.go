package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rubyeditor/api/internal/config"
	"rubyeditor/api/internal/logging"
)

// cli carries what every subcommand needs once flags are parsed.
type cli struct {
	cfg config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "rubyeditor",
		Short:         "Document editing backend: saves, versions, assets, links and sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = level
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			c.cfg = cfg
			c.log = log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	root.PersistentFlags().String("log-level", "", "Override RUBY_LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		c.newServeCmd(),
		c.newMigrateCmd(),
		c.newSweepCmd(),
		c.newReindexCmd(),
		c.newExportCmd(),
		c.newShareCmd(),
		c.newTokenCmd(),
	)
	return root
}
