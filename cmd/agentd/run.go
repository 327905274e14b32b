package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task description>",
	Short: "Run a single task end to end",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := strings.Join(args, " ")

		app, err := buildApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := app.server.Start(ctx); err != nil {
			return err
		}
		defer app.server.Stop()

		app.cleanup.Start(ctx)
		defer app.cleanup.Stop()

		app.orch.Start()
		defer app.orch.Close()

		// A signal requests a cooperative stop; the orchestrator honours
		// it at the next gate check and the run returns cleanly.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			sig := <-sigCh
			slog.Info("Stop requested", "signal", sig)
			app.orch.Stop()
			cancel()
		}()
		defer signal.Stop(sigCh)

		if err := app.orch.Run(ctx, task); err != nil {
			return err
		}
		slog.Info("Task finished", "state", app.orch.FSM().State())
		return nil
	},
}
