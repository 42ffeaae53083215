package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"contractrag/app/logger"
	"contractrag/config"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	envFile string
	cfg     *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "contractrag",
		Short:         "Contract intelligence: PDF ingestion, Q&A with citations, extraction and risk audit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			slog.SetDefault(logger.New(cmd.ErrOrStderr(), logger.Options{
				Level:     cfg.LogLevel,
				Format:    cfg.LogFormat,
				RedactPII: cfg.LogPIIRedaction,
			}))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "env file to load before reading the environment")

	cmd.AddCommand(
		createServeCommand(opts),
		createMigrateCommand(opts),
		createIngestCommand(opts),
		createAskCommand(opts),
	)
	return cmd
}
