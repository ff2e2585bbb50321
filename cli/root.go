// Package cli defines the threadkeep command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadkeep/threadkeep/engine/infra/postgres"
	"github.com/threadkeep/threadkeep/engine/infra/server"
	"github.com/threadkeep/threadkeep/pkg/config"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "threadkeep",
		Short:         "Threadkeep conversation memory service",
		Long:          "Threadkeep stores agent conversations, working memory, and attachments behind an access-controlled HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.AddCommand(serveCmd(), migrateCmd())
	return root
}

// bootstrap loads configuration and attaches a logger to the command
// context. Every subcommand starts here.
func bootstrap(cmd *cobra.Command) (context.Context, *config.Config, error) {
	ctx := cmd.Context()
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	logCfg := &logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, AddSource: cfg.Log.AddSource}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	log := logger.New(logCfg)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithConfig(ctx, cfg)
	return ctx, cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.New(cfg).Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			db, err := postgres.NewDB(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer db.Close(context.Background())
			if err := postgres.RunMigrations(ctx, db.Pool()); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("migrations applied")
			return nil
		},
	}
}
