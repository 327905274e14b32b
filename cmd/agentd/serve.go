package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming server and wait for tasks",
	Long: `Starts the WebSocket streaming server, the retention loop and the
workflow control listener, proposes resuming the newest interrupted task
if one exists, and then runs until SIGTERM or SIGINT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		ctx := context.Background()

		// 1. Streaming server
		if err := app.server.Start(ctx); err != nil {
			return err
		}
		defer app.server.Stop()
		slog.Info("Streaming server listening", "port", app.server.Port())

		// 2. Retention loop
		app.cleanup.Start(ctx)
		defer app.cleanup.Stop()

		// 3. Workflow control listener
		app.orch.Start()
		defer app.orch.Close()

		// 4. Offer to resume the newest interrupted task
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		resumeDone := make(chan error, 1)
		go func() {
			resumed, err := app.resumer.AutoResume(runCtx)
			if err != nil {
				resumeDone <- err
				return
			}
			if resumed {
				slog.Info("Resumed task finished")
			}
			resumeDone <- nil
		}()

		// 5. Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigCh:
			slog.Info("Shutdown signal received", "signal", sig)
			app.orch.Stop()
			cancel()
			<-resumeDone
		case err := <-resumeDone:
			if err != nil {
				slog.Error("Resume failed", "error", err)
			}
			slog.Info("Waiting for shutdown signal")
			sig := <-sigCh
			slog.Info("Shutdown signal received", "signal", sig)
		}

		slog.Info("Shutdown complete")
		return nil
	},
}
