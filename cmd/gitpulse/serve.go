package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon",
	Long: `Runs migrations, verifies the schema, seeds pipeline state, and
starts the scheduler. Stops cleanly on SIGINT/SIGTERM: in-flight runs
finish their current batch transaction before exit.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	logger.WithField("db_path", cfg.DBPath).Info("gitpulse serving")
	return r.Start(ctx)
}
